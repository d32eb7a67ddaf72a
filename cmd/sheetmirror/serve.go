package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentworkforce/sheetmirror/internal/chat"
	"github.com/agentworkforce/sheetmirror/internal/httpapi"
	"github.com/agentworkforce/sheetmirror/internal/remote"
	"github.com/agentworkforce/sheetmirror/internal/sheetmirror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, admin dashboard and remote sync worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

// components is everything serve wires together, in teardown order.
type components struct {
	store   *sheetmirror.Store
	watcher *sheetmirror.StateWatcher
	remote  remote.Store
	syncer  *sheetmirror.Syncer
	server  *httpapi.Server
}

func (c *components) close() {
	if c.syncer != nil {
		c.syncer.Close()
	}
	if c.watcher != nil {
		_ = c.watcher.Close()
	}
	if c.remote != nil {
		_ = c.remote.Close()
	}
	if c.store != nil {
		c.store.Close()
	}
}

func (a *app) build(reg *prometheus.Registry) (*components, error) {
	c := &components{}
	store, err := a.openStore(false)
	if err != nil {
		return nil, err
	}
	c.store = store

	if a.cfg.WatchState && a.cfg.StateFilePath() != "" {
		watcher, err := sheetmirror.WatchStateFile(store, a.cfg.WatchDebounce, a.logger)
		if err != nil {
			a.logger.Warn("state file watcher disabled", zap.Error(err))
		} else {
			c.watcher = watcher
		}
	}

	queue, err := sheetmirror.BuildPendingQueueFromDSN(a.cfg.PendingQueueDSN, a.cfg.PendingQueueSize)
	if err != nil {
		c.close()
		return nil, fmt.Errorf("failed to initialize pending queue: %w", err)
	}

	rs, err := remote.FromDSN(a.cfg.Remote.DSN, remote.FactoryOptions{
		APIKey: a.cfg.Remote.APIKey,
		Logger: a.logger,
	})
	if err != nil {
		_ = queue.Close()
		c.close()
		return nil, fmt.Errorf("failed to initialize remote store: %w", err)
	}
	c.remote = rs

	responder, err := chat.NewResponder(chat.Options{
		Logger:     a.logger,
		Now:        a.now,
		ActiveForm: store.ActiveForm,
		LookupForm: func(id string) (sheetmirror.Schema, bool) {
			form, ok := store.ActiveForm()
			if !ok || form.ID != id {
				return sheetmirror.Schema{}, false
			}
			return form, true
		},
	})
	if err != nil {
		_ = queue.Close()
		c.close()
		return nil, err
	}

	opts := sheetmirror.SyncerOptions{
		Queue:           queue,
		Metrics:         sheetmirror.NewMetrics(reg),
		Logger:          a.logger,
		RemoteTimeout:   a.cfg.Remote.Timeout,
		MaxSyncAttempts: a.cfg.Remote.MaxSyncAttempts,
		RetryDelay:      a.cfg.Remote.RetryDelay,
		MaxRetryDelay:   a.cfg.Remote.MaxRetryDelay,
		Now:             a.now,
		Templates:       responder.Forms,
	}
	// Without a remote every write is local-only and nothing is queued.
	if _, noop := rs.(remote.Noop); !noop {
		opts.Remote = rs
	} else {
		a.logger.Info("no remote store configured, running local only")
	}
	c.syncer = sheetmirror.NewSyncer(store, opts)

	c.server = httpapi.NewServerWithConfig(c.syncer, responder, httpapi.ServerConfig{
		JWTSecret:       a.cfg.HTTP.JWTSecret,
		RateLimitMax:    a.cfg.HTTP.RateLimitMax,
		RateLimitWindow: a.cfg.HTTP.RateLimitWindow,
		MaxBodyBytes:    a.cfg.HTTP.MaxBodyBytes,
		AllowedOrigins:  a.cfg.HTTP.AllowedOrigins,
		Gatherer:        reg,
		Logger:          a.logger,
		Now:             a.now,
	})
	return c, nil
}

func (a *app) serve(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	c, err := a.build(reg)
	if err != nil {
		return err
	}
	defer c.close()

	source := c.server.LoadCustomQA(ctx)
	a.logger.Info("custom chat answers loaded", zap.String("source", string(source)))

	httpServer := &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           c.server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("sheetmirror listening",
			zap.String("addr", a.cfg.Addr),
			zap.String("profile", a.cfg.Profile),
			zap.Int("sheets", len(c.store.SheetNames())))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.logger.Info("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
