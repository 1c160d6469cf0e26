package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"esdispatch/agent"
	"esdispatch/audit"
	"esdispatch/auth"
	"esdispatch/config"
	"esdispatch/db"
	"esdispatch/dispatch"
	"esdispatch/enrollment"
	"esdispatch/logger"
	"esdispatch/metrics"
	"esdispatch/offer"
	"esdispatch/sweeper"
)

const shutdownTimeout = 10 * time.Second

// app holds the wired components shared by serve and sweep.
type app struct {
	cfg      *config.Config
	pool     *pgxpool.Pool
	dispatch *dispatch.Service
	sweeper  *sweeper.Sweeper
	audit    *audit.AsyncSink
	registry *prometheus.Registry
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("bootstrap database pool: %w", err)
	}

	agents := agent.NewRepository(pool)
	enrollments := enrollment.NewRepository(pool)
	offers := offer.NewRepository(pool)

	a := &app{cfg: cfg, pool: pool}
	svc := dispatch.NewService(pool, agents, enrollments, offers).
		WithOfferTTL(cfg.Dispatch.OfferTTL).
		WithLogger(logger.New("dispatch"))

	if cfg.Audit.IsEnabled() {
		log := logger.New("audit")
		a.audit = audit.NewAsyncSink(audit.NewPGSink(pool, log), cfg.Audit.Buffer, cfg.Audit.Timeout, log)
		svc.WithAudit(a.audit)
	}

	var recorder metrics.Recorder = metrics.Nop{}
	if cfg.Metrics.IsEnabled() {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		prom, err := metrics.NewPromRecorder(a.registry)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		recorder = prom
	}
	svc.WithRecorder(recorder)
	a.dispatch = svc

	a.sweeper = sweeper.New(svc, offers, enrollments, sweeper.Config{
		Interval:          cfg.Sweeper.Interval,
		StaleAfter:        cfg.Sweeper.StaleAfter,
		RedispatchWaiting: cfg.Sweeper.RedispatchWaiting,
		BatchSize:         cfg.Sweeper.BatchSize,
	}).WithRecorder(recorder).WithLogger(logger.New("sweeper"))

	return a, nil
}

func (a *app) close() {
	a.pool.Close()
}

// startAudit runs the audit drainer until stop is called. stop flushes the
// queue, so it must run after every producer has returned and before the
// pool is closed.
func (a *app) startAudit() (stop func()) {
	if a.audit == nil {
		return func() {}
	}
	return a.audit.Start()
}

func (a *app) server() *Server {
	s := &Server{
		dispatchService: a.dispatch,
		authService:     auth.NewService(auth.NewRepository(a.pool), a.cfg.Auth.JWTSecret).WithTokenTTL(a.cfg.Auth.TokenTTL),
		agentService:    agent.NewService(agent.NewRepository(a.pool)),
		log:             logger.New("http"),
	}
	if a.registry != nil {
		s.metrics = promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})
		s.metricsPath = a.cfg.Metrics.Path
	}
	return s
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the expiry sweeper",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signalContext()
		defer stop()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.close()
		stopAudit := a.startAudit()

		log := logger.New("main")
		srv := &http.Server{
			Addr:         cfg.HTTP.Addr,
			Handler:      a.server().routes(),
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			log.Infof("listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Errorf("http shutdown: %v", err)
			}
			return nil
		})
		if cfg.Sweeper.IsEnabled() {
			g.Go(func() error { return a.sweeper.Run(gctx) })
		} else {
			log.Warnf("sweeper disabled; PENDING offers will not expire")
		}
		err = g.Wait()
		stopAudit()
		return err
	},
}
