package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/msageha/taskgate/internal/api"
	"github.com/msageha/taskgate/internal/model"
)

var (
	// submit flags
	subID         string
	subType       string
	subPriority   string
	subDeps       []string
	subMaxRetries int
	subPayload    string
	subFile       string

	// status flags
	stStatus  string
	stHistory bool

	cancelReason string
	outputJSON   bool
)

const requestTimeout = 30 * time.Second

func init() {
	rootCmd.AddCommand(submitCmd, statusCmd, workersCmd, cancelCmd, escalationCmd)
	for _, c := range []*cobra.Command{submitCmd, statusCmd, workersCmd, cancelCmd, escalationCmd} {
		c.Flags().BoolVar(&outputJSON, "json", false, "Output results as JSON")
	}

	submitCmd.Flags().StringVar(&subID, "id", "", "task id (generated when empty)")
	submitCmd.Flags().StringVar(&subType, "type", "", "task type")
	submitCmd.Flags().StringVar(&subPriority, "priority", "MEDIUM", "CRITICAL, HIGH, MEDIUM or LOW")
	submitCmd.Flags().StringSliceVar(&subDeps, "dep", nil, "dependency task id (repeatable)")
	submitCmd.Flags().IntVar(&subMaxRetries, "max-retries", -1, "retry budget (defaults to the daemon setting)")
	submitCmd.Flags().StringVar(&subPayload, "payload", "", "JSON payload")
	submitCmd.Flags().StringVarP(&subFile, "file", "f", "", "submit a batch from a YAML or JSON file ('-' for stdin)")

	statusCmd.Flags().StringVar(&stStatus, "status", "", "filter by status")
	statusCmd.Flags().BoolVar(&stHistory, "history", false, "show the decision history of one task")

	cancelCmd.Flags().StringVar(&cancelReason, "reason", "", "cancel reason")
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a task or a batch of tasks",
	Long: `Submit one task from flags or a batch from a file. A batch is
validated as a whole: ids, dependencies and cycles are checked before any
task is stored.

Examples:
  taskgate submit --id build --type build --priority HIGH
  taskgate submit --id deploy --type deploy --dep build --max-retries 1
  taskgate submit -f tasks.yaml`,
	Args: cobra.NoArgs,
	RunE: runSubmit,
}

// batchFile is the on-disk batch format. Payload is free-form YAML or JSON.
type batchFile struct {
	Tasks []struct {
		ID           string   `yaml:"id"`
		Type         string   `yaml:"type"`
		Priority     string   `yaml:"priority"`
		Payload      any      `yaml:"payload"`
		Dependencies []string `yaml:"dependencies"`
		MaxRetries   *int     `yaml:"max_retries"`
	} `yaml:"tasks"`
}

// parseBatch reads a batch in YAML (JSON being a subset).
func parseBatch(r io.Reader) ([]api.TaskRequest, error) {
	var bf batchFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&bf); err != nil {
		return nil, fmt.Errorf("parse batch: %w", err)
	}
	if len(bf.Tasks) == 0 {
		return nil, fmt.Errorf("parse batch: no tasks")
	}
	reqs := make([]api.TaskRequest, 0, len(bf.Tasks))
	for i, t := range bf.Tasks {
		req := api.TaskRequest{
			ID:           t.ID,
			Type:         t.Type,
			Priority:     t.Priority,
			Dependencies: t.Dependencies,
			MaxRetries:   t.MaxRetries,
		}
		if t.Payload != nil {
			raw, err := json.Marshal(t.Payload)
			if err != nil {
				return nil, fmt.Errorf("tasks[%d].payload: %w", i, err)
			}
			req.Payload = raw
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	var tasks []*model.Task
	if subFile != "" {
		var r io.Reader = os.Stdin
		if subFile != "-" {
			f, err := os.Open(subFile)
			if err != nil {
				return err
			}
			defer f.Close()
			r = f
		}
		reqs, err := parseBatch(r)
		if err != nil {
			return err
		}
		if tasks, err = client.SubmitBatch(ctx, reqs); err != nil {
			return describe(err)
		}
	} else {
		req := api.TaskRequest{ID: subID, Type: subType, Priority: subPriority, Dependencies: subDeps}
		if subMaxRetries >= 0 {
			req.MaxRetries = &subMaxRetries
		}
		if subPayload != "" {
			if !json.Valid([]byte(subPayload)) {
				return fmt.Errorf("--payload is not valid JSON")
			}
			req.Payload = json.RawMessage(subPayload)
		}
		t, err := client.Submit(ctx, req)
		if err != nil {
			return describe(err)
		}
		tasks = []*model.Task{t}
	}
	return printTasks(cmd.OutOrStdout(), tasks)
}

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show tasks, or one task in detail",
	Long: `Without an argument, list every task (optionally filtered by
status). With a task id, show that task with its latest gate decision, or
its full history with --history.

Examples:
  taskgate status
  taskgate status --status ESCALATED
  taskgate status build --history --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		if stStatus != "" {
			if _, err := model.ParseStatus(stStatus); err != nil {
				return err
			}
		}
		tasks, err := client.List(ctx, stStatus)
		if err != nil {
			return describe(err)
		}
		return printTasks(out, tasks)
	}

	if stHistory {
		h, err := client.History(ctx, args[0])
		if err != nil {
			return describe(err)
		}
		if outputJSON {
			return writeJSON(out, h)
		}
		return printHistory(out, h)
	}

	resp, err := client.Get(ctx, args[0])
	if err != nil {
		return describe(err)
	}
	if outputJSON {
		return writeJSON(out, resp)
	}
	if err := printTasks(out, []*model.Task{resp.Task}); err != nil {
		return err
	}
	if d := resp.LatestDecision; d != nil {
		fmt.Fprintf(out, "\nlatest decision: %s (attempt %d)", d.Aggregate, d.Attempt)
		if len(d.MissingJudges) > 0 {
			fmt.Fprintf(out, ", missing judges: %s", strings.Join(d.MissingJudges, ", "))
		}
		fmt.Fprintln(out)
	}
	if e := resp.PendingEscalation; e != nil {
		fmt.Fprintf(out, "awaiting human decision: %s\n", e.Reason)
	}
	return nil
}

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Show the worker pool and current leases",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		ws, err := client.Workers(ctx)
		if err != nil {
			return describe(err)
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			return writeJSON(out, ws)
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "WORKER\tSTATUS\tTASK\tATTEMPT\tHEARTBEAT")
		for _, s := range ws {
			hb := "-"
			if s.HeartbeatAt != nil {
				hb = s.HeartbeatAt.Format(time.RFC3339)
				if s.Expired {
					hb += " (expired)"
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.WorkerID, s.Status, dash(s.TaskID), dashInt(s.Attempt), hb)
		}
		return w.Flush()
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task and its dependents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		t, err := client.Cancel(ctx, args[0], cancelReason)
		if err != nil {
			return describe(err)
		}
		return printTasks(cmd.OutOrStdout(), []*model.Task{t})
	},
}

var escalationCmd = &cobra.Command{
	Use:   "escalation <task-id> <approve|reject>",
	Short: "Resolve an escalated task",
	Long: `Record the human decision on an ESCALATED task. approve runs
delivery, reject cancels the task.

Examples:
  taskgate escalation deploy approve`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := model.ParseResolution(args[1]); err != nil {
			return err
		}
		client, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		t, err := client.Resolve(ctx, args[0], args[1])
		if err != nil {
			return describe(err)
		}
		return printTasks(cmd.OutOrStdout(), []*model.Task{t})
	},
}

// describe expands API errors with their field details and cycle path.
func describe(err error) error {
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	var b strings.Builder
	b.WriteString(apiErr.Message)
	for _, d := range apiErr.Details {
		fmt.Fprintf(&b, "\n  %s: %s", d.FieldPath, d.Message)
	}
	if len(apiErr.Cycle) > 0 {
		fmt.Fprintf(&b, "\n  cycle: %s", strings.Join(apiErr.Cycle, " -> "))
	}
	return fmt.Errorf("%s (HTTP %d)", b.String(), apiErr.StatusCode)
}

func printTasks(out io.Writer, tasks []*model.Task) error {
	if outputJSON {
		return writeJSON(out, tasks)
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tPRIORITY\tSTATUS\tATTEMPT\tRETRIES\tWORKER\tDEPENDS ON")
	for _, t := range tasks {
		workerID := ""
		if t.AssignedWorkerID != nil {
			workerID = *t.AssignedWorkerID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			t.ID, t.Type, t.Priority, t.Status, dashInt(t.Attempt), t.RetryCount, t.MaxRetries,
			dash(workerID), dash(strings.Join(t.Dependencies, ",")))
	}
	return w.Flush()
}

func printHistory(out io.Writer, h *model.TaskHistory) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tEVENT\tATTEMPT\tDETAIL")
	for _, tr := range h.Transitions {
		from := string(tr.From)
		if from == "" {
			from = "(new)"
		}
		fmt.Fprintf(w, "%s\t%s -> %s\t%d\t%s\n", tr.At.Format(time.RFC3339), from, tr.To, tr.Attempt, tr.Reason)
	}
	for _, v := range h.Verdicts {
		fmt.Fprintf(w, "%s\tverdict %s\t%d\t%s: %s\n", v.ProducedAt.Format(time.RFC3339), v.Verdict, v.Attempt, v.JudgeID, v.Reasoning)
	}
	for _, d := range h.Decisions {
		fmt.Fprintf(w, "%s\tgate %s\t%d\tmissing=%v\n", d.DecidedAt.Format(time.RFC3339), d.Aggregate, d.Attempt, d.MissingJudges)
	}
	for _, a := range h.Attempts {
		fmt.Fprintf(w, "%s\t%s %s\t%d\t%s\n", a.EndedAt.Format(time.RFC3339), a.Action, a.Outcome, a.AttemptNumber, a.Detail)
	}
	for _, e := range h.Escalations {
		state := "open"
		if !e.Open() {
			state = string(e.Resolution)
		}
		fmt.Fprintf(w, "%s\tescalation %s\t-\t%s\n", e.CreatedAt.Format(time.RFC3339), state, e.Reason)
	}
	return w.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func dashInt(n int) string {
	if n == 0 {
		return "-"
	}
	return fmt.Sprint(n)
}
