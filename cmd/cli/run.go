package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/anstrom/hostsweep/internal/config"
	"github.com/anstrom/hostsweep/internal/db"
	"github.com/anstrom/hostsweep/internal/discovery"
	"github.com/anstrom/hostsweep/internal/logging"
	"github.com/anstrom/hostsweep/internal/metrics"
	"github.com/anstrom/hostsweep/internal/pipeline"
	"github.com/anstrom/hostsweep/internal/progress"
	"github.com/anstrom/hostsweep/internal/scanning"
	"github.com/anstrom/hostsweep/internal/targets"
	"github.com/anstrom/hostsweep/internal/whois"
)

const maxFailuresShown = 20

var (
	runJSON   bool
	runLabel  string
	runDetail bool
)

var runCmd = &cobra.Command{
	Use:   "run <file>...",
	Short: "Sweep the addresses found in one or more files",
	Long: `Extract IPv4 addresses from the given text or CSV files and sweep them.
Reserved ranges are skipped, reachable hosts are port scanned and looked up
in WHOIS, and every result is stored. Progress is logged and, when
configured, published over websocket and AMQP.`,
	Example: `  hostsweep run upload.csv
  hostsweep run --json targets.txt more.txt
  hostsweep run --listen 127.0.0.1:8090 --websocket hosts.csv`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(runCmd)

	flags := runCmd.Flags()
	flags.BoolVar(&runJSON, "json", false, "print the summary as JSON")
	flags.StringVar(&runLabel, "label", "", "source label stored with each host (default is the file name)")
	flags.BoolVar(&runDetail, "details", false, "list failed addresses with their errors")
	flags.String("listen", "", "serve /ws/progress, /metrics and /healthz on this address")
	flags.Bool("websocket", false, "publish progress events over websocket")
	flags.String("amqp-url", "", "publish progress events to this AMQP broker")
	flags.String("timing", "", "nmap timing template")
	flags.Duration("batch-pause", 0, "delay before each batch after the first")

	if err := bindFlags(viper.GetViper(), flags, runFlagBindings); err != nil {
		panic(err)
	}
}

// runFlagBindings maps config keys to the run flags that override them.
var runFlagBindings = map[string]string{
	"progress.listen_addr": "listen",
	"progress.websocket":   "websocket",
	"progress.amqp_url":    "amqp-url",
	"scanning.nmap_timing": "timing",
	"scanning.batch_pause": "batch-pause",
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet, bindings map[string]string) error {
	for key, name := range bindings {
		flag := flags.Lookup(name)
		if flag == nil {
			return fmt.Errorf("unknown flag %q for %s", name, key)
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind %s: %w", name, err)
		}
	}
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	ips, label, err := readTargets(args)
	if err != nil {
		return err
	}
	if runLabel != "" {
		label = runLabel
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	logger := logging.Default()

	var m *metrics.PrometheusMetrics
	if cfg.MetricsEnabled() {
		m = metrics.GetGlobalMetrics()
	}

	database, err := db.ConnectAndMigrate(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("error preparing database: %w", err)
	}
	defer func() {
		if closeErr := database.Close(); closeErr != nil {
			logger.Warn("failed to close database connection", "error", closeErr)
		}
	}()

	orch, err := newOrchestrator(cfg, database, m, logger)
	if err != nil {
		return err
	}

	sink, closeSinks, err := buildSinks(ctx, cfg, m, logger)
	if err != nil {
		return err
	}
	summary, runErr := orch.Run(ctx, pipeline.ScanRequest{IPs: ips, SourceLabel: label}, sink)
	closeSinks()

	if runJSON {
		if err := writeSummaryJSON(cmd.OutOrStdout(), summary); err != nil {
			return err
		}
	} else if err := renderSummary(cmd.OutOrStdout(), summary, runDetail); err != nil {
		return err
	}
	return runErr
}

// readTargets extracts addresses from every file, in argument order. The
// label is the base name of each file, comma separated.
func readTargets(paths []string) ([]string, string, error) {
	var (
		all    []string
		labels []string
	)
	for _, path := range paths {
		ips, label, err := targets.ExtractFile(path)
		if err != nil {
			return nil, "", err
		}
		all = append(all, ips...)
		labels = append(labels, label)
	}
	return all, strings.Join(labels, ","), nil
}

func newOrchestrator(
	cfg *config.Config,
	database *db.DB,
	m *metrics.PrometheusMetrics,
	logger *logging.Logger,
) (*pipeline.Orchestrator, error) {
	prober, err := discovery.NewProber(cfg.Scanning.NmapTiming, logger)
	if err != nil {
		return nil, err
	}
	scanner, err := scanning.NewPortScanner(cfg.Scanning.Ports, cfg.Scanning.NmapTiming, logger)
	if err != nil {
		return nil, err
	}
	client := whois.NewClient(whois.ClientConfig{
		QueryTimeout:  cfg.Scanning.WhoisTimeout,
		RatePerSecond: cfg.Scanning.WhoisRateLimit,
		Server:        cfg.Scanning.WhoisServer,
	})

	return pipeline.New(pipeline.Dependencies{
		Prober:  prober,
		Scanner: scanner,
		Whois:   client,
		Store:   db.NewHostWriter(database, m),
	}, pipeline.Options{
		WhoisTimeout: cfg.Scanning.WhoisTimeout,
		BatchPause:   cfg.Scanning.BatchPause,
		Metrics:      m,
		Logger:       logger,
	})
}

// buildSinks assembles the progress fan-out. The returned func flushes
// asynchronous sinks and stops the progress server.
func buildSinks(
	ctx context.Context,
	cfg *config.Config,
	m *metrics.PrometheusMetrics,
	logger *logging.Logger,
) (pipeline.Sink, func(), error) {
	sinks := progress.Multi{progress.NewLogSink(logger)}
	var closers []func()

	if cfg.Progress.AMQPURL != "" {
		amqpSink, err := progress.DialAMQP(cfg.Progress.AMQPURL, cfg.Progress.AMQPExchange, logger)
		if err != nil {
			return nil, nil, err
		}
		buffered := progress.NewChannelSink(amqpSink, cfg.Progress.BufferSize)
		sinks = append(sinks, buffered)
		closers = append(closers, func() {
			buffered.Close()
			if dropped := buffered.Dropped(); dropped > 0 {
				logger.Warn("dropped progress events", "sink", "amqp", "dropped", dropped)
			}
			if err := amqpSink.Close(); err != nil {
				logger.Warn("failed to close amqp sink", "error", err)
			}
		})
	}

	if cfg.ServerEnabled() {
		var hub *progress.Hub
		if cfg.Progress.WebSocket {
			hub = progress.NewHub(cfg.Progress.BufferSize, logger)
			sinks = append(sinks, hub)
		}
		server := progress.NewServer(cfg.Progress.ListenAddr, hub, m, logger)
		serverCtx, stop := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := server.Start(serverCtx); err != nil {
				logger.Error("progress server stopped", "error", err)
			}
		}()
		closers = append(closers, func() {
			stop()
			<-done
		})
	}

	return sinks, func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}, nil
}

func writeSummaryJSON(w io.Writer, summary *pipeline.Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

func renderSummary(w io.Writer, summary *pipeline.Summary, details bool) error {
	fmt.Fprintf(w, "Run %s: %s\n", summary.RunID, summary.Message)

	table := tablewriter.NewWriter(w)
	table.Header("Total", "Successful", "Failed", "Skipped", "Invalid", "Success Rate", "Batches", "Profile", "Duration")
	row := []string{
		strconv.Itoa(summary.Total),
		strconv.Itoa(summary.Successful),
		strconv.Itoa(summary.Failed),
		strconv.Itoa(summary.Skipped),
		strconv.Itoa(summary.Statistics.InvalidInputs),
		fmt.Sprintf("%.2f%%", summary.Statistics.SuccessRate),
		strconv.Itoa(summary.Statistics.BatchesProcessed),
		summary.Statistics.Profile,
		fmt.Sprintf("%dms", summary.Statistics.DurationMs),
	}
	if err := table.Append(row); err != nil {
		return err
	}
	if err := table.Render(); err != nil {
		return err
	}

	if !details || len(summary.Details.FailedIPs) == 0 {
		return nil
	}
	return renderFailures(w, summary.Details.FailedIPs)
}

func renderFailures(w io.Writer, failed []pipeline.FailedIP) error {
	shown := failed[:min(len(failed), maxFailuresShown)]

	table := tablewriter.NewWriter(w)
	table.Header("Address", "Error")
	for _, f := range shown {
		if err := table.Append([]string{f.IP, f.Error}); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}
	if rest := len(failed) - len(shown); rest > 0 {
		fmt.Fprintf(w, "... and %d more\n", rest)
	}
	return nil
}
