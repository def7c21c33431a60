// Command enclaved is the daemon wiring the core library together: a
// section pool, the page allocator, the reclaimer task, per-enclave
// add-page workers, a metrics endpoint and a thin dispatcher over a
// Unix-domain socket. Grounded on cuemby-warren and virtengine-virtengine's
// cobra-rooted daemon entrypoints for the CLI shape, and on
// talyz-systemd_exporter's exporter-over-net/http pattern for serving
// /metrics.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lattice-systems/enclavecore/internal/config"
	"github.com/lattice-systems/enclavecore/internal/hw"
	"github.com/lattice-systems/enclavecore/internal/hwinit"
	"github.com/lattice-systems/enclavecore/internal/metrics"
	"github.com/lattice-systems/enclavecore/internal/reclaim"
	"github.com/lattice-systems/enclavecore/internal/section"
)

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	root := &cobra.Command{
		Use:   "enclaved",
		Short: "secure-page enclave multiplexer daemon",
	}
	var cfgPath string
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to YAML config (defaults baked in if unset)")
	root.AddCommand(serveCmd(&cfgPath), statsCmd(&cfgPath))

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("enclaved exited")
	}
}

func loadConfig(path string) config.Config {
	if path == "" {
		return config.Default()
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	return cfg
}

func serveCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:          "serve",
		Short:        "run the daemon",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(loadConfig(*cfgPath))
		},
	}
}

func statsCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:          "stats",
		Short:        "print each configured section's free-page count and exit",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(*cfgPath)
			pool := section.NewPool(hw.Addr(enclavePageSize), cfg.SectionDescs())
			for i, s := range pool.Sections() {
				log.Info().Int("section", i).Int("free", s.FreeCount()).Msg("section")
			}
			return nil
		},
	}
}

const enclavePageSize = 4096

func serve(cfg config.Config) error {
	hwinit.DefaultConfig = hwinit.Config{
		SpinCount: cfg.Init.SpinCount, SleepCount: cfg.Init.SleepCount, SleepTime: cfg.Init.SleepTime,
	}

	pool := section.NewPool(hw.Addr(enclavePageSize), cfg.SectionDescs())
	prims := hw.NewSim()
	metric := metrics.NewCollector()
	m := newManager(pool, prims, reclaim.Config{
		BatchSize: cfg.Reclaim.BatchSize, LowWatermark: cfg.Reclaim.LowWatermark, HighWatermark: cfg.Reclaim.HighWatermark,
	}, metric)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go m.task.Run(ctx, prims)
	go sampleLoop(ctx, m)
	go serveMetrics(ctx, cfg.MetricsAddr, metric)

	if err := os.RemoveAll(cfg.SocketPath); err != nil {
		return err
	}
	ln, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		return err
	}
	defer ln.Close()

	log.Info().Str("socket", cfg.SocketPath).Str("metrics", cfg.MetricsAddr).Msg("enclaved serving")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	dispatch(ctx, ln, m)
	m.stopWorkers()
	return nil
}

func sampleLoop(ctx context.Context, m *manager) {
	t := time.NewTicker(2 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.sample()
		}
	}
}

func serveMetrics(ctx context.Context, addr string, metric *metrics.Collector) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metric.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("metrics server stopped")
	}
}
