package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gluk-w/swaplive/internal/config"
	"github.com/gluk-w/swaplive/internal/database"
	"github.com/gluk-w/swaplive/internal/engine"
	"github.com/gluk-w/swaplive/internal/handlers"
	"github.com/gluk-w/swaplive/internal/logging"
	"github.com/gluk-w/swaplive/internal/session"
	"github.com/gluk-w/swaplive/internal/stats"
	"github.com/gluk-w/swaplive/internal/telemetry"
	"github.com/gluk-w/swaplive/internal/transform"
	"github.com/gluk-w/swaplive/internal/tunnel"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cmd := &cobra.Command{
		Use:           "swaplive",
		Short:         "Realtime single-client frame transformation server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := config.RegisterFlags(cmd.Flags())
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flags)
		if err != nil {
			return err
		}
		return run(cfg)
	}

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "swaplive: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Settings) error {
	if err := logging.Init(cfg.Log); err != nil {
		return fmt.Errorf("logging init: %w", err)
	}
	log := logging.For("main")
	runID := uuid.NewString()

	if err := database.Init(cfg.DatabasePath); err != nil {
		return fmt.Errorf("database init: %w", err)
	}
	defer database.Close()

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.WithFields(logrus.Fields{
		"command": cfg.Engine.Command,
		"device":  cfg.Engine.Device,
		"models":  cfg.Engine.ModelsDir,
	}).Info("Starting engine")
	eng, err := engine.Start(sigCtx, engine.Config{
		Command:     cfg.Engine.Command,
		Args:        cfg.Engine.Args,
		Device:      cfg.Engine.Device,
		ModelsDir:   cfg.Engine.ModelsDir,
		InitTimeout: cfg.Engine.InitTimeout,
		CallTimeout: cfg.Engine.CallTimeout,
		StopTimeout: cfg.Engine.StopTimeout,
	})
	if err != nil {
		return fmt.Errorf("engine init: %w", err)
	}
	defer eng.Close()
	log.Info("Engine ready")

	coord := tunnel.NewCoordinator(tunnel.Config{
		Enabled:        cfg.Tunnel.Enabled,
		Host:           cfg.Server.Host,
		RequestedPort:  cfg.Server.Port,
		PortRangeStart: cfg.Server.PortRangeStart,
		PortRangeEnd:   cfg.Server.PortRangeEnd,
		Region:         cfg.Tunnel.Region,
		Subdomain:      cfg.Tunnel.Subdomain,
		AuthToken:      cfg.Tunnel.AuthToken,
		VerifyAttempts: cfg.Tunnel.VerifyAttempts,
		VerifyInterval: cfg.Tunnel.VerifyInterval,
		LaunchRetries:  cfg.Tunnel.LaunchRetries,
		FallbackLocal:  cfg.Tunnel.FallbackLocal,
		StopTimeout:    cfg.Tunnel.StopTimeout,
	}, &tunnel.AgentLauncher{Binary: cfg.Tunnel.Binary}, tunnel.NewAgentAPI(cfg.Tunnel.DashboardPort))
	coord.OnTransition(func(t tunnel.Transition) {
		err := database.RecordTunnelEvent(&database.TunnelEvent{
			RunID:         runID,
			FromPhase:     t.From.String(),
			ToPhase:       t.To.String(),
			Port:          t.Port,
			PublicAddress: t.PublicAddress,
			Reason:        t.Reason,
			OccurredAt:    t.At,
		})
		if err != nil {
			log.WithError(err).Warn("Failed to record tunnel event")
		}
	})
	defer coord.Stop()

	port, err := coord.AllocatePort()
	if err != nil {
		return fmt.Errorf("port allocation: %w", err)
	}

	busy, err := session.ParseBusyPolicy(cfg.Session.BusyPolicy)
	if err != nil {
		return err
	}
	agg := stats.New(cfg.Session.StatsWindow)
	adapter := transform.NewAdapter(eng, transform.Policy{
		MaxBytes:          cfg.Upload.MaxBytes,
		AllowedExtensions: cfg.Upload.AllowedExtensions,
	})
	mgr := session.NewManager(session.Config{
		BusyPolicy:        busy,
		IdleTimeout:       cfg.Session.IdleTimeout,
		IdleCheckInterval: cfg.Session.IdleCheckInterval,
		FramesPerSecond:   cfg.Session.MaxFPS,
		Burst:             cfg.Session.Burst,
	}, adapter, agg)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	mgrDone := make(chan struct{})
	go func() {
		defer close(mgrDone)
		mgr.Run(runCtx)
	}()

	api := handlers.NewAPI(handlers.Config{MaxUploadBytes: cfg.Upload.MaxBytes}, mgr, adapter, eng, coord, agg)
	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(port))
	srv := &http.Server{
		Addr:    addr,
		Handler: api.Router(),
	}
	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	tunnelErr := make(chan error, 1)
	go func() {
		st, err := coord.Establish(sigCtx)
		if err != nil {
			if sigCtx.Err() == nil {
				tunnelErr <- err
			}
			return
		}
		switch st.Phase {
		case tunnel.PhaseTunnelVerified:
			log.WithField("url", st.PublicAddress).Info("Public URL ready")
		case tunnel.PhaseLocalOnly:
			log.WithField("url", "http://"+addr).Info("Serving locally only")
		}
	}()

	var pubs []telemetry.Publisher
	if cfg.Telemetry.MQTTBroker != "" {
		pub := connectMQTT(sigCtx, cfg.Telemetry, log)
		defer pub.Close()
		pubs = append(pubs, pub)
	}
	reporter := telemetry.NewReporter(runID, cfg.Telemetry.ReportInterval, func() telemetry.Report {
		ts := coord.State()
		rep := telemetry.Report{
			Stats:         agg.Snapshot(),
			EngineLoaded:  eng.Loaded(),
			TunnelPhase:   ts.Phase.String(),
			PublicAddress: ts.PublicAddress,
		}
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if st, err := mgr.Status(sctx); err == nil {
			rep.SessionActive = st.State == session.StateActive
		}
		return rep
	}, pubs...)
	if err := reporter.Start(); err != nil {
		return err
	}
	defer reporter.Stop()

	var runErr error
	select {
	case <-sigCtx.Done():
		log.Info("Shutting down...")
	case err := <-serveErr:
		runErr = fmt.Errorf("server: %w", err)
	case err := <-tunnelErr:
		runErr = fmt.Errorf("tunnel: %w", err)
	case <-eng.Done():
		runErr = errors.New("engine process exited")
	}

	// Closing sessions first lets their sockets send a going-away frame.
	cancelRun()
	<-mgrDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Server shutdown")
	}
	log.Info("Server stopped")
	return runErr
}

// connectMQTT returns the publisher even when the first connect fails; the
// client keeps retrying in the background.
func connectMQTT(ctx context.Context, cfg config.TelemetrySettings, log *logrus.Entry) *telemetry.MQTTPublisher {
	pub := telemetry.NewMQTTPublisher(cfg.MQTTBroker, cfg.MQTTClientID, cfg.MQTTTopic)
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pub.Connect(cctx); err != nil {
		log.WithError(err).Warn("MQTT unavailable, stats will only be logged")
	}
	return pub
}
