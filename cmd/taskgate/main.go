// Package main implements the taskgate CLI: the daemon, an out-of-process
// worker, and client commands against the daemon's HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/msageha/taskgate/internal/api"
	"github.com/msageha/taskgate/internal/broker"
	"github.com/msageha/taskgate/internal/config"
	"github.com/msageha/taskgate/internal/daemon"
	"github.com/msageha/taskgate/internal/logging"
	"github.com/msageha/taskgate/internal/model"
	"github.com/msageha/taskgate/internal/setup"
	"github.com/msageha/taskgate/internal/worker"
)

var (
	// configPath points at an optional YAML config file
	configPath string
	// serverURL overrides the daemon address derived from the config
	serverURL string
	version   = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "taskgate",
	Short: "Task orchestration with quality gates",
	Long: `taskgate schedules dependent tasks onto workers and passes every
result through a panel of quality judges before delivering it.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "daemon URL (defaults to server.host:server.port)")
	rootCmd.AddCommand(initCmd, serveCmd, workerCmd, versionCmd)

	workerCmd.Flags().StringVar(&workerID, "id", "", "worker id (defaults to worker.id)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite existing files")
}

func loadConfig() (model.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return model.Config{}, fmt.Errorf("load config: %w", err)
	}
	return *cfg, nil
}

// newClient builds an API client for the daemon named by --server or the
// config file.
func newClient() (*api.Client, error) {
	if serverURL != "" {
		return api.NewClient(serverURL), nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return api.NewClient("http://" + net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))), nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the taskgate version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "taskgate %s\n", version)
	},
}

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Write a default config and judge registry",
	Long: `Write taskgate.yaml and .taskgate/judges.yaml into dir (default: the
current directory). Both files are loaded back to check them.

Examples:
  taskgate init
  taskgate init ./myproject --force`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) == 1 {
			dir = args[0]
		}
		res, err := setup.Run(dir, initForce)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "wrote %s\n", res.ConfigPath)
		fmt.Fprintf(out, "wrote %s\n", res.RegistryPath)
		fmt.Fprintf(out, "start the daemon with: taskgate serve -c %s\n", res.ConfigPath)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the taskgate daemon",
	Long: `Run the daemon: scheduler, dispatcher, quality gate, remediation and
the HTTP API. SIGINT or SIGTERM starts a graceful shutdown; a second signal
exits immediately.

Examples:
  # Run with defaults (in-memory broker, state under .taskgate/)
  taskgate serve

  # Run with a config file and NATS
  TASKGATE_BROKER_KIND=nats taskgate serve -c taskgate.yaml`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logging.Sync(logger)

	d, err := daemon.New(cfg, daemon.WithLogger(logger))
	if err != nil {
		logger.Error("daemon init failed", zap.Error(err))
		return err
	}
	return d.RunUntilSignal()
}

var workerID string

var workerCmd = &cobra.Command{
	Use:   "worker [-- command args...]",
	Short: "Run a worker that executes leased tasks with a command",
	Long: `Run a worker process attached to the daemon through NATS. Each leased
task is written as JSON to the command's stdin; a JSON object on stdout
becomes the result, anything else its output. A non-zero exit fails the
attempt.

Examples:
  # Use worker.command from the config file
  taskgate worker --id worker1 -c taskgate.yaml

  # Override the command
  taskgate worker --id worker2 -- ./scripts/run-task.sh`,
	RunE: runWorker,
}

func runWorker(_ *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if workerID != "" {
		cfg.Worker.ID = workerID
	}
	if len(args) > 0 {
		cfg.Worker.Command = args
	}
	if cfg.Broker.Kind != broker.KindNATS {
		return errors.New("an out-of-process worker needs broker.kind=nats")
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logging.Sync(logger)
	logger = logger.With(zap.String("worker_id", cfg.Worker.ID))

	exec, err := worker.NewCommandExecutor(cfg.Worker)
	if err != nil {
		return err
	}
	b, err := broker.New(cfg.Broker, logger)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer b.Close()

	rt, err := worker.New(cfg.Worker.ID, b, exec,
		worker.WithLogger(logger),
		worker.WithHeartbeatInterval(cfg.Worker.HeartbeatInterval))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return rt.Run(ctx)
}
