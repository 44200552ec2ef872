package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/msageha/taskgate/internal/model"
)

const (
	defaultRequestsPerSec = 5.0
	defaultMergeMethod    = "squash"
)

// Mergeable states reported by the pulls API.
const (
	stateDirty   = "dirty"
	stateBehind  = "behind"
	stateUnknown = "unknown"
)

// GitHub merges pull requests referenced by a task's result.
type GitHub struct {
	client      *github.Client
	limiter     *rate.Limiter
	retry       RetryConfig
	mergeMethod string
	logger      *zap.Logger

	mu sync.Mutex

	// updating maps a change to the head it had when a branch update was
	// requested. The update lands asynchronously.
	updating map[string]string
}

// NewGitHub creates a client authenticated with cfg.Token. BaseURL points
// the client at GitHub Enterprise or a test server.
func NewGitHub(ctx context.Context, cfg model.GitHubConfig, logger *zap.Logger) (*GitHub, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("github token not set")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	return newGitHub(oauth2.NewClient(ctx, ts), cfg, logger)
}

func newGitHub(httpClient *http.Client, cfg model.GitHubConfig, logger *zap.Logger) (*GitHub, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := github.NewClient(httpClient)
	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("parse github base url: %w", err)
		}
		client.BaseURL = u
	}

	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = defaultRequestsPerSec
	}
	method := cfg.MergeMethod
	if method == "" {
		method = defaultMergeMethod
	}
	retry := RetryConfig{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
	}
	retry.ApplyDefaults()

	return &GitHub{
		client:      client,
		limiter:     rate.NewLimiter(rate.Limit(rps), 1),
		retry:       retry,
		mergeMethod: method,
		logger:      logger.Named("delivery_github"),
		updating:    make(map[string]string),
	}, nil
}

// call waits for the rate limiter and retries transient failures.
func (g *GitHub) call(ctx context.Context, op func() (*github.Response, error)) (*github.Response, error) {
	return withRetry(ctx, g.retry, g.logger, func() (*github.Response, error) {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return op()
	})
}

func changeOf(task *model.Task) (*model.ChangeRef, error) {
	if task.Result == nil || task.Result.Change == nil {
		return nil, fmt.Errorf("task %s has no change reference", task.ID)
	}
	return task.Result.Change, nil
}

func (g *GitHub) pullRequest(ctx context.Context, ch *model.ChangeRef) (*github.PullRequest, error) {
	var pr *github.PullRequest
	_, err := g.call(ctx, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		pr, resp, err = g.client.PullRequests.Get(ctx, ch.Owner, ch.Repo, ch.Number)
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("get pull request %s: %w", ch, err)
	}
	return pr, nil
}

// Finalize merges the pull request once it is mergeable and its checks pass.
func (g *GitHub) Finalize(ctx context.Context, task *model.Task) (Report, error) {
	ch, err := changeOf(task)
	if err != nil {
		return Report{}, err
	}
	pr, err := g.pullRequest(ctx, ch)
	if err != nil {
		return Report{}, err
	}

	if pr.GetMerged() {
		return Report{Outcome: model.OutcomeSuccess, Detail: fmt.Sprintf("%s already merged", ch)}, nil
	}
	if pr.GetState() == "closed" {
		return Report{Outcome: model.OutcomeFailure, Detail: fmt.Sprintf("%s is closed", ch)}, nil
	}
	head := pr.GetHead().GetSHA()
	if ch.HeadSHA != "" && head != "" && head != ch.HeadSHA {
		updated, err := g.baseMergedInto(ctx, ch, head)
		if err != nil {
			return Report{}, err
		}
		if !updated {
			return Report{Outcome: model.OutcomeFailure,
				Detail: fmt.Sprintf("%s head moved from %s to %s", ch, ch.HeadSHA, head)}, nil
		}
		g.updateLanded(ch)
	}

	switch pr.GetMergeableState() {
	case stateDirty:
		return Report{Outcome: model.OutcomeConflict, Detail: fmt.Sprintf("%s is %s", ch, pr.GetMergeableState())}, nil
	case stateBehind:
		if g.updatePending(ch, head) {
			return Report{Outcome: model.OutcomeCIPending, Detail: fmt.Sprintf("branch update of %s in progress", ch)}, nil
		}
		return Report{Outcome: model.OutcomeConflict, Detail: fmt.Sprintf("%s is %s", ch, pr.GetMergeableState())}, nil
	case stateUnknown, "":
		if pr.Mergeable == nil {
			return Report{Outcome: model.OutcomeCIPending, Detail: fmt.Sprintf("%s mergeability not computed yet", ch)}, nil
		}
	}

	ci, err := g.combinedState(ctx, ch, head)
	if err != nil {
		return Report{}, err
	}
	switch ci {
	case CIPending:
		return Report{Outcome: model.OutcomeCIPending, Detail: fmt.Sprintf("checks on %s are pending", ch)}, nil
	case CIFailure:
		return Report{Outcome: model.OutcomeFailure, Detail: fmt.Sprintf("checks on %s failed", ch)}, nil
	}

	return g.merge(ctx, task, ch, head)
}

func (g *GitHub) merge(ctx context.Context, task *model.Task, ch *model.ChangeRef, head string) (Report, error) {
	var result *github.PullRequestMergeResult
	resp, err := g.call(ctx, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		result, resp, err = g.client.PullRequests.Merge(ctx, ch.Owner, ch.Repo, ch.Number,
			fmt.Sprintf("taskgate: %s (attempt %d)", task.ID, task.Attempt),
			&github.PullRequestOptions{SHA: head, MergeMethod: g.mergeMethod})
		return resp, err
	})
	if err != nil {
		switch statusCode(resp) {
		case http.StatusMethodNotAllowed:
			return Report{Outcome: model.OutcomeConflict, Detail: fmt.Sprintf("%s is not mergeable", ch)}, nil
		case http.StatusConflict:
			return Report{Outcome: model.OutcomeFailure, Detail: fmt.Sprintf("%s head changed during merge", ch)}, nil
		}
		return Report{}, fmt.Errorf("merge %s: %w", ch, err)
	}
	if !result.GetMerged() {
		return Report{Outcome: model.OutcomeFailure, Detail: result.GetMessage()}, nil
	}
	g.logger.Info("pull request merged",
		zap.String("task_id", task.ID),
		zap.String("change", ch.String()),
		zap.String("sha", result.GetSHA()))
	return Report{Outcome: model.OutcomeSuccess, Detail: fmt.Sprintf("%s merged as %s", ch, result.GetSHA())}, nil
}

// ResolveConflict updates a branch that is behind its base. A change with
// real conflicts cannot be reconciled without a human.
func (g *GitHub) ResolveConflict(ctx context.Context, task *model.Task) (bool, error) {
	ch, err := changeOf(task)
	if err != nil {
		return false, err
	}
	pr, err := g.pullRequest(ctx, ch)
	if err != nil {
		return false, err
	}
	if pr.GetMergeableState() != stateBehind {
		g.logger.Info("conflict needs a human",
			zap.String("task_id", task.ID),
			zap.String("change", ch.String()),
			zap.String("mergeable_state", pr.GetMergeableState()))
		return false, nil
	}

	head := pr.GetHead().GetSHA()
	_, err = g.call(ctx, func() (*github.Response, error) {
		_, resp, err := g.client.PullRequests.UpdateBranch(ctx, ch.Owner, ch.Repo, ch.Number,
			&github.PullRequestBranchUpdateOptions{ExpectedHeadSHA: github.String(head)})
		return resp, err
	})
	var accepted *github.AcceptedError
	if err != nil && !errors.As(err, &accepted) {
		return false, fmt.Errorf("update branch of %s: %w", ch, err)
	}
	g.mu.Lock()
	g.updating[ch.String()] = head
	g.mu.Unlock()
	g.logger.Info("branch update requested", zap.String("task_id", task.ID), zap.String("change", ch.String()))
	return true, nil
}

// CIStatus reads the combined commit status of the pull request head.
func (g *GitHub) CIStatus(ctx context.Context, task *model.Task) (CIState, error) {
	ch, err := changeOf(task)
	if err != nil {
		return "", err
	}
	pr, err := g.pullRequest(ctx, ch)
	if err != nil {
		return "", err
	}
	head := pr.GetHead().GetSHA()
	if g.updatePending(ch, head) {
		return CIPending, nil
	}
	return g.combinedState(ctx, ch, head)
}

// updatePending reports whether a branch update was requested for ch and the
// head has not moved since.
func (g *GitHub) updatePending(ch *model.ChangeRef, head string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	from, ok := g.updating[ch.String()]
	return ok && from == head
}

func (g *GitHub) updateLanded(ch *model.ChangeRef) {
	g.mu.Lock()
	delete(g.updating, ch.String())
	g.mu.Unlock()
}

// baseMergedInto reports whether head is a merge commit on top of the
// reported head, which is what a branch update produces.
func (g *GitHub) baseMergedInto(ctx context.Context, ch *model.ChangeRef, head string) (bool, error) {
	var commit *github.Commit
	_, err := g.call(ctx, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		commit, resp, err = g.client.Git.GetCommit(ctx, ch.Owner, ch.Repo, head)
		return resp, err
	})
	if err != nil {
		return false, fmt.Errorf("get commit %s of %s: %w", head, ch, err)
	}
	if len(commit.Parents) != 2 {
		return false, nil
	}
	for _, p := range commit.Parents {
		if p.GetSHA() == ch.HeadSHA {
			return true, nil
		}
	}
	return false, nil
}

func (g *GitHub) combinedState(ctx context.Context, ch *model.ChangeRef, ref string) (CIState, error) {
	var status *github.CombinedStatus
	_, err := g.call(ctx, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		status, resp, err = g.client.Repositories.GetCombinedStatus(ctx, ch.Owner, ch.Repo, ref, nil)
		return resp, err
	})
	if err != nil {
		return "", fmt.Errorf("combined status of %s@%s: %w", ch, ref, err)
	}
	// A ref without any status contexts reports "pending" forever.
	if status.GetTotalCount() == 0 {
		return CISuccess, nil
	}
	switch status.GetState() {
	case "success":
		return CISuccess, nil
	case "failure", "error":
		return CIFailure, nil
	default:
		return CIPending, nil
	}
}
