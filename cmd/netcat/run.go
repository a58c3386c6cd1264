package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nevenoomo/netcat/pkg/cacheparams"
	netcatcfg "github.com/nevenoomo/netcat/pkg/config"
	"github.com/nevenoomo/netcat/pkg/obs"
	"github.com/nevenoomo/netcat/pkg/recorder"
	"github.com/nevenoomo/netcat/pkg/reporting"
	"github.com/nevenoomo/netcat/pkg/timing"
	"github.com/nevenoomo/netcat/pkg/tracker"
	"github.com/nevenoomo/netcat/pkg/transport"
	"github.com/nevenoomo/netcat/pkg/transport/local"
	"github.com/nevenoomo/netcat/pkg/transport/netconn"
)

var runCmd = &cobra.Command{
	Use:   "run [output]",
	Args:  cobra.MaximumNArgs(1),
	Short: "Locate the victim's RX ring and track its activity",
	Long: `Profiles the victim's LLC geometry, builds its eviction sets, locates the
cache footprint of its network RX ring, and records measurements tracking
its activity. Records are streamed as concatenated JSON to stdout, or to
the output file if given.`,
	RunE: runMeasure,
}

func init() {
	runCmd.Flags().String("conn", "rdma", "transport: rdma or local")
	runCmd.Flags().String("addr", "", "victim address (required for rdma)")
	runCmd.Flags().Uint16("port", 9003, "victim port")
	runCmd.Flags().Int("measurements", 10000, "number of measurement rounds")
	runCmd.Flags().String("cache_params", string(cacheparams.ProfileE5), "cache profile: E5, E5_DDIO, I7, PLATINUM, PLATINUM_DDIO, custom")
	runCmd.Flags().IntSlice("custom_params", nil, "bytes_per_line reachable_lines cache_size addr_num (required iff cache_params=custom)")
	runCmd.Flags().Bool("quiet", false, "silence progress output")
	runCmd.Flags().String("metrics-addr", "", "address for the /metrics and /healthz HTTP endpoint; empty disables it")
}

func runMeasure(cmd *cobra.Command, args []string) error {
	cfg, err := netcatcfg.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := applyFlags(cmd, args, cfg); err != nil {
		return err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	reporting.InitGlobalLogger(cfg.LoggerConfig())
	logger := reporting.NewLogger(cfg.LoggerConfig())
	logger.Info("netcat starting", "version", version, "conn", cfg.Connection.Kind)

	params, err := cfg.CacheParams()
	if err != nil {
		return err
	}

	metrics := obs.New()
	if cfg.Metrics.Addr != "" {
		srv := obs.NewServer(cfg.Metrics.Addr, metrics, log.Logger)
		go func() {
			if err := srv.ListenAndServe(); err != nil {
				logger.Error("metrics server stopped", "error", err.Error())
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	conn, sender, closer, err := dial(cfg)
	if err != nil {
		return fmt.Errorf("dialing victim: %w", err)
	}
	if closer != nil {
		defer closer.Close()
	}
	sender = &instrumentedSender{inner: sender, metrics: metrics}

	rec, err := openRecorder(cfg)
	if err != nil {
		return err
	}
	defer rec.Close()

	if cfg.Run.Output != "" {
		meta := recorder.NewRunMetadata(cacheparams.Profile(cfg.Cache.Profile), cfg.Connection.Endpoint(), time.Now())
		if err := rec.WriteRunMetadata(meta); err != nil {
			return fmt.Errorf("writing run metadata: %w", err)
		}
	}

	progress := reporting.NewProgressReporter(cfg.Run.Quiet)
	instrumented := &instrumentedRecorder{inner: rec, metrics: metrics}
	derived := params.Derive()

	progress.ReportPhase(reporting.PhaseBuildingSets)
	progress.StartColorProgress(derived.NColors)
	t, err := tracker.NewBuilder().
		WithCacheConnector(conn).
		WithPacketSender(sender).
		WithRecorder(instrumented).
		WithCacheParams(params).
		WithQuiet(cfg.Run.Quiet).
		WithProgress(func(built, total int) {
			progress.ColorBuilt(built, total)
			metrics.EvictionSetsBuilt.Add(float64(derived.NSetsPerPage))
		}).
		WithOnSample(func(kind timing.Kind) {
			metrics.ClassifierSamples.WithLabelValues(kind.String()).Inc()
		}).
		Build(context.Background())
	if err != nil {
		progress.ReportError(err.Error())
		return fmt.Errorf("building tracker: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Run.MeasurementTimeout())
	defer cancel()

	progress.ReportPhase(reporting.PhaseLocatingRX)
	if err := t.Init(ctx); err != nil {
		progress.ReportError(err.Error())
		return fmt.Errorf("locating rx ring: %w", err)
	}

	progress.ReportPhase(reporting.PhaseTracking)
	if err := t.Track(ctx, cfg.Run.Measurements); err != nil {
		progress.ReportError(err.Error())
		return fmt.Errorf("tracking: %w", err)
	}

	progress.ReportSuccess()
	return nil
}

// applyFlags overrides cfg in place with any flags explicitly set on the
// command line, and the positional output argument if given.
func applyFlags(cmd *cobra.Command, args []string, cfg *netcatcfg.Config) error {
	f := cmd.Flags()

	if f.Changed("conn") {
		cfg.Connection.Kind, _ = f.GetString("conn")
	}
	if f.Changed("addr") {
		cfg.Connection.Addr, _ = f.GetString("addr")
	}
	if f.Changed("port") {
		port, _ := f.GetUint16("port")
		cfg.Connection.Port = port
	}
	if f.Changed("measurements") {
		cfg.Run.Measurements, _ = f.GetInt("measurements")
	}
	if f.Changed("cache_params") {
		cfg.Cache.Profile, _ = f.GetString("cache_params")
	}
	if f.Changed("custom_params") {
		vals, _ := f.GetIntSlice("custom_params")
		if len(vals) != 4 {
			return fmt.Errorf("--custom_params requires exactly 4 values: bytes_per_line reachable_lines cache_size addr_num")
		}
		cfg.Cache.Custom = &cacheparams.Params{
			BytesPerLine:   vals[0],
			Associativity:  vals[1],
			ReachableLines: vals[1],
			CacheSize:      vals[2],
			AddrNum:        vals[3],
		}
	}
	if f.Changed("quiet") {
		cfg.Run.Quiet, _ = f.GetBool("quiet")
	}
	if f.Changed("metrics-addr") {
		cfg.Metrics.Addr, _ = f.GetString("metrics-addr")
	}
	if len(args) == 1 {
		cfg.Run.Output = args[0]
	}
	return nil
}

// dial constructs the transport pair for cfg.Connection.Kind. The returned
// transport.Closer is the connector itself: for local it releases the
// mmap'd buffer, for rdma it closes the TCP connection. The rdma packet
// sender is not part of it.
func dial(cfg *netcatcfg.Config) (transport.CacheConnector, transport.PacketSender, transport.Closer, error) {
	switch cfg.Connection.Kind {
	case "local":
		params, err := cfg.CacheParams()
		if err != nil {
			return nil, nil, nil, err
		}
		conn, err := local.New(params, local.DefaultLatencies, time.Now().UnixNano())
		if err != nil {
			return nil, nil, nil, err
		}
		return conn, conn, conn, nil
	case "rdma":
		if cfg.Connection.Addr == "" {
			return nil, nil, nil, fmt.Errorf("--addr is required for rdma connections")
		}
		conn := netconn.New(cfg.Connection.Endpoint())
		sender := netconn.NewPacketSender(cfg.Connection.Endpoint())
		return conn, sender, conn, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown connection kind %q", cfg.Connection.Kind)
	}
}

func openRecorder(cfg *netcatcfg.Config) (*recorder.Writer, error) {
	if cfg.Run.Output == "" {
		return recorder.NewStdoutWriter(), nil
	}
	return recorder.NewFileWriter(cfg.Run.Output)
}

// instrumentedRecorder wraps a recorder.Writer, feeding the obs counters
// from each recorded round before forwarding it unchanged.
type instrumentedRecorder struct {
	inner   *recorder.Writer
	metrics *obs.Metrics
}

func (r *instrumentedRecorder) Record(rec tracker.Record) error {
	r.metrics.MeasurementsRecorded.Inc()
	r.metrics.SyncOutcomes.WithLabelValues(rec.SyncStatus.String()).Inc()
	return r.inner.Record(rec)
}

// instrumentedSender wraps a transport.PacketSender, counting every
// synchronization datagram sent.
type instrumentedSender struct {
	inner   transport.PacketSender
	metrics *obs.Metrics
}

func (s *instrumentedSender) SendPacket(ctx context.Context) error {
	if err := s.inner.SendPacket(ctx); err != nil {
		return err
	}
	s.metrics.SyncPacketsSent.Inc()
	return nil
}
