// Package main runs the sandbox executor: a sidecar that hosts JavaScript
// sessions for the remote sandbox backends.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	slogmulti "github.com/samber/slog-multi"

	"github.com/howlerops/recursive-llm-go/internal/sidecar"
)

func main() {
	defaults := sidecar.DefaultConfig()

	addr := flag.String("addr", ":8080", "HTTP server address")
	maxSessions := flag.Int("max-sessions", defaults.MaxSessions, "maximum concurrent sessions")
	sessionTTL := flag.Duration("session-ttl", defaults.SessionTTL, "idle time before a session is reaped")
	reapInterval := flag.Duration("reap-interval", defaults.ReapInterval, "how often idle sessions are reaped")
	execTimeout := flag.Duration("exec-timeout", defaults.DefaultTimeout, "execution timeout when a request sets none")
	maxTimeout := flag.Duration("max-exec-timeout", defaults.MaxTimeout, "upper bound on requested execution timeouts")
	maxOutput := flag.Int("max-output", defaults.MaxOutput, "bytes of stdout/stderr kept per execution (0 uses the default)")
	logFile := flag.String("log-file", "", "also write JSON logs to this file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger, closeLog := newLogger(*logFile, *debug)
	defer closeLog()

	manager := sidecar.NewManager(sidecar.Config{
		MaxSessions:    *maxSessions,
		SessionTTL:     *sessionTTL,
		ReapInterval:   *reapInterval,
		DefaultTimeout: *execTimeout,
		MaxTimeout:     *maxTimeout,
		MaxOutput:      *maxOutput,
	}, logger)

	reapCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	go manager.Run(reapCtx)

	server := sidecar.NewServer(*addr, manager, logger)
	logger.Info("starting sandbox executor", "addr", *addr, "max_sessions", *maxSessions)

	// Handle graceful shutdown
	done := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		logger.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		stopReaper()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
		close(done)
	}()

	if err := server.Start(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	<-done
	logger.Info("server stopped")
}

func newLogger(path string, debug bool) (*slog.Logger, func()) {
	level := new(slog.LevelVar)
	if debug {
		level.Set(slog.LevelDebug)
	}

	handlers := []slog.Handler{
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	}

	closer := func() {}
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			slog.New(handlers[0]).Warn("cannot open log file", "path", path, "error", err)
		} else {
			handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
			closer = func() { _ = f.Close() }
		}
	}

	return slog.New(slogmulti.Fanout(handlers...)), closer
}
