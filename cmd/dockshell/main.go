package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/gaspardpetit/dockshell/core/logx"
	"github.com/gaspardpetit/dockshell/core/redisx"
	"github.com/gaspardpetit/dockshell/core/secret"
	"github.com/gaspardpetit/dockshell/internal/config"
	"github.com/gaspardpetit/dockshell/internal/directory"
	"github.com/gaspardpetit/dockshell/internal/metrics"
	"github.com/gaspardpetit/dockshell/internal/server"
	"github.com/gaspardpetit/dockshell/internal/serverstate"
	"github.com/gaspardpetit/dockshell/internal/shell"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	fs := flag.NewFlagSet("dockshell", flag.ExitOnError)
	showVersion := fs.Bool("version", false, "print version and exit")
	fs.Usage = func() {
		_, _ = fmt.Fprintf(fs.Output(), "dockshell version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		fs.PrintDefaults()
	}
	cfg, err := config.Load(fs, os.Args[1:])
	if err != nil {
		logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
	}
	if *showVersion {
		fmt.Printf("dockshell version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	logx.Setup(logx.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

	preg := prometheus.NewRegistry()
	preg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(preg)
	metrics.SetBuildInfo(version, buildSHA, buildDate)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store directory.Store
	if cfg.RedisAddr != "" {
		rc, err := redisx.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Str("addr", secret.MaskURL(cfg.RedisAddr)).Msg("connect redis")
		}
		defer func() { _ = rc.Close() }()
		rs, err := serverstate.NewRedisStore(ctx, rc, "")
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("init redis state store")
		}
		// A previous process may have left the shared state draining.
		rs.Store(serverstate.State{Status: serverstate.StatusNotReady})
		serverstate.UseStore(rs)
		store = directory.NewRedisStore(rc, "")
		logx.Log.Info().Str("addr", secret.MaskURL(cfg.RedisAddr)).Msg("using redis state store")
	}

	sh, err := shell.Open(shell.Options{
		BackendURL:     cfg.BackendURL,
		Namespace:      cfg.Namespace,
		ReadyEvent:     cfg.ReadyEvent,
		Reconnect:      cfg.Reconnect,
		PendingCallTTL: cfg.PendingCallTTL,
		Store:          store,
	})
	if err != nil {
		logx.Log.Fatal().Err(err).Str("backend", secret.MaskURL(cfg.BackendURL)).Msg("open shell")
	}
	if err := sh.Restore(ctx); err != nil {
		logx.Log.Warn().Err(err).Msg("restore directory snapshot")
	}

	stateReg := serverstate.NewRegistry()
	sh.RegisterState(stateReg)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: server.New(cfg, sh, stateReg, preg)}
	var metricsSrv *http.Server
	if cfg.MetricsAddr != fmt.Sprintf(":%d", cfg.Port) {
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: server.MetricsHandler(preg)}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if serverstate.IsDraining() || cfg.DrainTimeout == 0 {
				logx.Log.Warn().Msg("termination requested")
				cancel()
				return
			}
			serverstate.StartDrain()
			logx.Log.Info().Int64("frames", sh.Bridge().Frames()).Dur("timeout", cfg.DrainTimeout).Msg("draining; send SIGTERM again to terminate immediately")
			go func() {
				waitCtx := ctx
				if cfg.DrainTimeout > 0 {
					var stop context.CancelFunc
					waitCtx, stop = context.WithTimeout(ctx, cfg.DrainTimeout)
					defer stop()
				}
				if sh.Bridge().WaitIdle(waitCtx) {
					logx.Log.Info().Msg("drain complete; terminating")
				} else if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
					logx.Log.Warn().Int64("frames", sh.Bridge().Frames()).Msg("drain timeout exceeded; terminating")
				}
				cancel()
			}()
		}
	}()

	go func() {
		if err := sh.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logx.Log.Error().Err(err).Msg("backend connection ended")
			cancel()
		}
	}()
	go func() {
		<-ctx.Done()
		_ = sh.Close()
		if err := srv.Shutdown(context.Background()); err != nil {
			logx.Log.Error().Err(err).Msg("server shutdown")
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(context.Background()); err != nil {
				logx.Log.Error().Err(err).Msg("metrics server shutdown")
			}
		}
	}()

	if cfg.APIKey != "" {
		logx.Log.Info().Msg("API key auth enabled")
	}
	if metricsSrv != nil {
		go func() {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logx.Log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}
	logx.Log.Info().Int("port", cfg.Port).Str("backend", secret.MaskURL(cfg.BackendURL)).Str("namespace", cfg.Namespace).Msg("shell starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logx.Log.Fatal().Err(err).Msg("server error")
	}
}
