// Package main is the CLI entry point for sensd.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/probelab/sensd/internal/config"
	"github.com/probelab/sensd/internal/domain"
	"github.com/probelab/sensd/internal/infra"
	"github.com/probelab/sensd/internal/probe"
	"github.com/probelab/sensd/internal/protocol"
	"github.com/probelab/sensd/internal/sched"
	"github.com/probelab/sensd/internal/store"
	"github.com/probelab/sensd/internal/supervisor"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sensd",
	Short: "Self-monitoring data-collection agent",
	Long: `sensd runs sensing probes, buffers their output in an encrypted local
store, and drains it to a remote sink on a schedule. It continuously
health-checks its probes, stores and protocols and repairs whatever it can.`,
	Version: Version,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent daemon",
	Long: `Starts the supervisor, resumes previously running protocols, and keeps
collecting until interrupted. Protocol definitions are imported with
'sensd import' and survive restarts in the encrypted state file.`,
	RunE: runRun,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show registered protocols and their run markers",
	RunE:  runStatus,
}

var importCmd = &cobra.Command{
	Use:   "import <path|url>",
	Short: "Import an encrypted protocol definition",
	Long: `Imports a protocol definition from a local path or an HTTP(S) URL.
The definition is decrypted, given a fresh id and storage directory, and
registered with the agent. Use --start to mark it running.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run one health sweep immediately",
	Long: `Walks every registered protocol that should be running, health-tests it,
repairs what it can, and prints each protocol's report.`,
	RunE: runHealth,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run:   runVersion,
}

var (
	configPath  string
	startOnLoad bool
	jsonOutput  bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")
	importCmd.Flags().BoolVar(&startOnLoad, "start", false, "Mark the imported protocol as should-be-running")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(versionCmd)
}

// agent is the fully wired object graph behind every command.
type agent struct {
	cfg     config.Config
	cryptor *infra.Cryptor
	sup     *supervisor.Supervisor
	timers  *sched.CronTimerService
	build   supervisor.Builder
	logger  *zap.Logger
}

// buildAgent wires key, cryptor, scheduler, probe registry, protocol
// builder and supervisor. The supervisor becomes the process-wide instance
// via Replace at this composition root.
func buildAgent(cfg config.Config, logger *zap.Logger) (*agent, error) {
	keyProvider := infra.NewFileKeyProvider(cfg.DataDir)
	key, err := infra.EnsureKey(keyProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain encryption key: %w", err)
	}

	cryptor, err := infra.NewCryptor(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cryptor: %w", err)
	}

	timers := sched.NewCronTimerService(logger)
	scheduler := sched.NewScheduler(timers, sched.NoopWakeLock{}, sched.LogNotifier{Logger: logger}, logger)
	probeRegistry := probe.NewRegistry()
	stateFile := infra.NewStateFile(cfg.StatePath(), cryptor, logger)

	var sup *supervisor.Supervisor
	build := func(def domain.ProtocolDefinition) (*protocol.Protocol, error) {
		sinkURL := def.SinkURL
		if sinkURL == "" {
			sinkURL = cfg.SinkURL
		}
		return protocol.Build(def, protocol.BuildDeps{
			BaseDir:   cfg.DataDir,
			StoreKey:  key,
			Probes:    probeRegistry,
			Scheduler: scheduler,
			Registry:  sup,
			Sink:      store.NewHTTPSink(sinkURL, cfg.SinkTimeout),
			Logger:    logger,
		})
	}

	sup = supervisor.New(scheduler, stateFile, build, logger)
	sup.SetHealthTestInterval(cfg.HealthTestInterval)
	if err := supervisor.Replace(supervisor.Current(), sup); err != nil {
		timers.Stop()
		return nil, err
	}

	return &agent{
		cfg:     cfg,
		cryptor: cryptor,
		sup:     sup,
		timers:  timers,
		build:   build,
		logger:  logger,
	}, nil
}

func (a *agent) close() {
	a.timers.Stop()
}

func loadConfig() (config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.Load(filepath.Join(config.Default().DataDir, "config.yaml"))
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := createLogger(cfg.LogPath)
	defer func() { _ = logger.Sync() }()

	a, err := buildAgent(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	a.sup.Start()
	logger.Info("agent running",
		zap.String("data_dir", cfg.DataDir),
		zap.Strings("running", a.sup.RunningIDs()))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("received shutdown signal")
	a.sup.Stop()
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := buildAgent(cfg, zap.NewNop())
	if err != nil {
		return err
	}
	defer a.close()

	fmt.Println("\n=== sensd Status ===")
	protos := a.sup.Protocols()
	if len(protos) == 0 {
		fmt.Println("No protocols registered.")
		fmt.Println("\nRun 'sensd import <path|url>' to add one.")
		return nil
	}

	running := make(map[string]bool)
	for _, id := range a.sup.RunningIDs() {
		running[id] = true
	}

	for _, p := range protos {
		marker := "stopped"
		if running[p.ID()] {
			marker = "should be running"
		}
		fmt.Printf("\n[%s] %s (%s)\n", p.ID(), p.Name(), marker)
		fmt.Printf("  Storage: %s\n", p.StorageDir())
		for _, pr := range p.Probes() {
			fmt.Printf("  Probe: %s (enabled=%v)\n", pr.Kind(), pr.Enabled())
		}
		if report := p.MostRecentReport(); report != nil {
			fmt.Printf("  Last report: %s\n", report.Timestamp.Format(time.RFC3339))
			if report.Error != "" {
				fmt.Printf("    error: %s\n", report.Error)
			}
			if report.Warning != "" {
				fmt.Printf("    warning: %s\n", report.Warning)
			}
		}
	}
	fmt.Println("\n====================")
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := createLogger(cfg.LogPath)
	defer func() { _ = logger.Sync() }()

	a, err := buildAgent(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	def, err := infra.LoadDefinition(args[0], a.cryptor)
	if err != nil {
		return err
	}

	p, err := a.build(def)
	if err != nil {
		return err
	}
	a.sup.RegisterProtocol(p)
	if startOnLoad {
		a.sup.AddRunningProtocolID(p.ID())
	}

	fmt.Printf("Imported protocol %q as %s\n", p.Name(), p.ID())
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := createLogger(cfg.LogPath)
	defer func() { _ = logger.Sync() }()

	a, err := buildAgent(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	a.sup.Start()
	a.sup.HealthSweep(context.Background())

	fmt.Println("\n=== Health Sweep ===")
	for _, p := range a.sup.Protocols() {
		report := p.MostRecentReport()
		if report == nil {
			continue
		}
		fmt.Printf("\n[%s]\n", p.Name())
		if report.Error != "" {
			fmt.Printf("  error:   %s\n", report.Error)
		}
		if report.Warning != "" {
			fmt.Printf("  warning: %s\n", report.Warning)
		}
		if report.Misc != "" {
			fmt.Printf("  info:    %s\n", report.Misc)
		}
	}
	fmt.Println("\n====================")

	a.sup.Stop()
	return nil
}

func createLogger(logPath string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if logPath != "" {
		cfg.OutputPaths = []string{logPath}
		cfg.ErrorOutputPaths = []string{logPath}
	}
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		// Fallback to stdout if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("sensd %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
