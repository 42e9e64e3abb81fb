package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ltfs-tier/queue"
	"ltfs-tier/sweeper"
)

var statusAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job dispatcher and the cache sweeper",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&statusAddr, "status", "", "address for /healthz and /metrics, e.g. :9102")
}

func serve(ctx context.Context) error {
	svc, err := openService(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	if n, err := svc.queue.Recover(ctx); err != nil {
		return err
	} else if n > 0 {
		log.WithField("jobs", n).Warn("requeued jobs interrupted by the last shutdown")
	}

	sweep := sweeper.New(cfg.Cache.Root, cfg.Cache.Retention, cfg.Cache.SweepInterval).WithUncacher(svc.store)
	if cfg.Cache.SweepSchedule != "" {
		if sweep, err = sweep.WithSchedule(cfg.Cache.SweepSchedule); err != nil {
			return err
		}
	}
	dispatcher := svc.dispatcher()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(ctx) })
	g.Go(func() error { return sweep.Start(ctx) })
	if statusAddr != "" {
		router := statusRouter(svc.queue, svc.controller, dispatcher.Busy)
		server := &http.Server{Addr: statusAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			log.WithField("addr", statusAddr).Info("status listener started")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "status listener")
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdown)
		})
	}
	log.WithField("host", hostname()).Info("ltfs-tier serving")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("ltfs-tier stopped")
	return nil
}

// jobCounter reports queued jobs per status. queue.SQLiteQueue is one.
type jobCounter interface {
	Counts(ctx context.Context) (map[queue.Status]int, error)
}

// driveObserver reports the drive as last seen, without asking the hardware.
// tapehardware.Controller is one.
type driveObserver interface {
	LastObserved() (string, bool)
}

type healthReport struct {
	Status  string               `json:"status"`
	Host    string               `json:"host"`
	Busy    bool                 `json:"busy"`
	Tape    string               `json:"tape,omitempty"`
	Mounted bool                 `json:"mounted"`
	Jobs    map[queue.Status]int `json:"jobs,omitempty"`
	Error   string               `json:"error,omitempty"`
}

func statusRouter(jobs jobCounter, drive driveObserver, busy func() bool) http.Handler {
	health := healthCheckHandler(jobs, drive, busy)
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", health)
	r.Get("/health", health)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// healthCheckHandler answers 200 with the job counts while the catalog can
// be read, 503 otherwise. The drive is reported as last observed; a health
// check never issues hardware commands.
func healthCheckHandler(jobs jobCounter, drive driveObserver, busy func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := healthReport{Status: "OK", Host: hostname(), Busy: busy()}
		report.Tape, report.Mounted = drive.LastObserved()
		code := http.StatusOK
		counts, err := jobs.Counts(r.Context())
		if err != nil {
			report.Status, report.Error = "UNAVAILABLE", err.Error()
			code = http.StatusServiceUnavailable
		}
		report.Jobs = counts
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(report)
	}
}
