package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Artfain/uav-ledger/api"
	"github.com/Artfain/uav-ledger/config"
	"github.com/Artfain/uav-ledger/core"
	"github.com/Artfain/uav-ledger/logging"
	"github.com/Artfain/uav-ledger/metrics"
	"github.com/Artfain/uav-ledger/publish"
	"github.com/Artfain/uav-ledger/service"
	"github.com/Artfain/uav-ledger/storage"
)

const shutdownTimeout = 10 * time.Second

var cmdServe = &cobra.Command{
	Use:   "serve",
	Short: "Run the ledger node",
	Args:  cobra.NoArgs,
	Run:   runServe,
}

var flagConfig string

func init() {
	cmdMain.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Configuration file (yaml, toml or json)")
	addConfigFlags(cmdServe)
	cmdMain.AddCommand(cmdServe)
}

// addConfigFlags declares the flags listed in config.FlagKeys. Their defaults are left
// empty so unset flags never shadow the file or environment.
func addConfigFlags(cmd *cobra.Command) {
	cmd.Flags().String("listen", "", "HTTP listen address")
	cmd.Flags().String("storage", "", "Storage backend (memory, leveldb, bolt)")
	cmd.Flags().String("storage-path", "", "Storage directory or file")
	cmd.Flags().String("batch", "", "Block production policy (every, interval, size)")
	cmd.Flags().String("log-format", "", "Log format (text, json)")
	cmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
}

func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger) {
	cfg, err := config.Load(flagConfig, cmd.Flags())
	checkf(err, "load configuration")
	log, err := logging.New(os.Stderr, cfg.Log.Format, cfg.Log.Level)
	check(err)
	slog.SetDefault(log)
	return cfg, log
}

func runServe(cmd *cobra.Command, _ []string) {
	cfg, log := loadConfig(cmd)
	if err := serve(cfg, log); err != nil {
		log.Error("node stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func serve(cfg *config.Config, log *slog.Logger) error {
	var verifier core.Verifier = core.Ed25519Verifier{}
	if cfg.Auth.InsecureSkipSignature {
		log.Warn("SIGNATURE VERIFICATION IS DISABLED: any caller can authenticate as any registered UAV")
		verifier = core.InsecureAcceptAll{}
	}

	store, err := storage.Open(cfg.Storage.Backend, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open %s storage: %w", cfg.Storage.Backend, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("storage close failed", slog.Any("error", err))
		}
	}()

	ledger, err := storage.Recover(store, core.WithVerifier(verifier), core.WithLogger(log))
	if err != nil {
		return fmt.Errorf("recover ledger: %w", err)
	}

	svc, err := service.New(ledger, service.Options{
		Policy:          service.Policy(cfg.Batch.Policy),
		Interval:        cfg.Batch.Interval,
		MaxTransactions: cfg.Batch.MaxTransactions,
	}, log)
	if err != nil {
		return err
	}

	m := metrics.New(nil)
	m.OnBlock(ledger.Latest())
	svc.SetObserver(m)
	svc.AddListener(m)

	hub := api.NewHub(log)
	svc.AddListener(hub)

	pub, err := publish.New(publish.Config{
		Enabled: cfg.Kafka.Enabled,
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.Topic,
	}, log)
	if err != nil {
		return fmt.Errorf("kafka publisher: %w", err)
	}
	svc.AddListener(pub)
	pub.Start(context.Background())
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := pub.Stop(stopCtx); err != nil {
			log.Error("kafka publisher did not drain", slog.Any("error", err))
		}
	}()

	srv := api.NewServer(svc, hub, m, api.Options{
		CORSOrigins: cfg.HTTP.CORSOrigins,
		RateLimit:   cfg.HTTP.RateLimit,
		RateBurst:   cfg.HTTP.RateBurst,
	}, log)
	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}
	ln, err := net.Listen("tcp", cfg.HTTP.Listen)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Info("listening", slog.String("addr", ln.Addr().String()), slog.Int("blocks", ledger.Len()))
	if err := runNode(ctx, httpServer, ln, svc, hub); err != nil {
		return err
	}
	log.Info("node stopped", slog.Int("blocks", ledger.Len()))
	return nil
}

// runNode serves HTTP and runs the block producer until ctx is done. The HTTP server is
// shut down first; the queue is flushed once no request can add to it anymore.
func runNode(ctx context.Context, httpServer *http.Server, ln net.Listener, svc *service.Service, hub *api.Hub) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(ctx)
	})
	g.Go(func() error {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if hub != nil {
			hub.Close()
		}
		return httpServer.Shutdown(shutdownCtx)
	})
	err := g.Wait()
	if _, ferr := svc.Produce(); ferr != nil && err == nil {
		err = fmt.Errorf("final flush: %w", ferr)
	}
	return err
}
