package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"crowdwatch/internal/config"
	"crowdwatch/internal/db"
	"crowdwatch/internal/feed"
	"crowdwatch/internal/ingest"
	"crowdwatch/internal/observability"
	"crowdwatch/internal/retention"
	"crowdwatch/internal/thresholds"
)

const retentionInterval = 6 * time.Hour

type source interface {
	Run(ctx context.Context) error
}

// Feed serves stored counts over HTTP and records new ones from the
// configured device transports.
type Feed struct {
	cfg config.Config
	log *slog.Logger

	db        *db.Repository
	recorder  *ingest.Recorder
	sources   map[string]source
	retention *retention.Service

	httpSrv *http.Server
}

func NewFeed(cfg config.Config, logger *slog.Logger) (*Feed, error) {
	tbl, err := thresholds.Load(cfg.Feed.ThresholdsFile, cfg.Feed.DefaultThreshold)
	if err != nil {
		return nil, err
	}
	sqldb, err := db.Open(cfg.Feed.DBDriver, cfg.Feed.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(sqldb, cfg.Feed.DBDriver); err != nil {
		_ = sqldb.Close()
		return nil, err
	}
	repo := db.NewRepository(sqldb, cfg.Feed.DBDriver)
	for _, b := range tbl.Seeds() {
		if err := repo.UpsertBuilding(context.Background(), b); err != nil {
			_ = sqldb.Close()
			return nil, fmt.Errorf("register building %d: %w", b.ID, err)
		}
	}

	m := observability.NewMetrics()
	rec := ingest.NewRecorder(repo, cfg.Ingest.UpdateInterval, logger.With("module", "ingest"), m)
	f := &Feed{
		cfg:       cfg,
		log:       logger,
		db:        repo,
		recorder:  rec,
		sources:   map[string]source{},
		retention: retention.NewService(repo, cfg.Feed.RetentionDays, logger.With("module", "retention")),
	}

	if cfg.Ingest.MQTTBroker != "" {
		src, err := ingest.NewMQTTSource(ingest.MQTTConfig{
			Broker:   cfg.Ingest.MQTTBroker,
			Topic:    cfg.Ingest.MQTTTopic,
			ClientID: cfg.Ingest.MQTTClientID,
		}, rec, logger.With("module", "mqtt"))
		if err != nil {
			_ = sqldb.Close()
			return nil, err
		}
		f.sources["mqtt"] = src
	}
	if len(cfg.Ingest.KafkaBrokers) > 0 {
		src, err := ingest.NewKafkaSource(ingest.KafkaConfig{
			Brokers: cfg.Ingest.KafkaBrokers,
			Topic:   cfg.Ingest.KafkaTopic,
			GroupID: cfg.Ingest.KafkaGroupID,
		}, rec, logger.With("module", "kafka"))
		if err != nil {
			_ = sqldb.Close()
			return nil, err
		}
		f.sources["kafka"] = src
	}

	srv := feed.NewServer(repo, tbl, m, logger.With("module", "feed"))
	f.httpSrv = &http.Server{Addr: cfg.Feed.Addr, Handler: srv.Routes(), ReadHeaderTimeout: 10 * time.Second}
	return f, nil
}

func (f *Feed) Run(ctx context.Context) error {
	go func() {
		f.log.Info("http server listening", "addr", f.cfg.Feed.Addr, "driver", f.cfg.Feed.DBDriver)
		if err := f.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			f.log.Error("http server failed", "err", err)
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.recorder.Run(ctx)
	}()
	for name, src := range f.sources {
		wg.Add(1)
		go func(name string, src source) {
			defer wg.Done()
			if err := src.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				f.log.Error("ingest source stopped", "source", name, "err", err)
			}
			if c, ok := src.(io.Closer); ok {
				_ = c.Close()
			}
		}(name, src)
	}
	if len(f.sources) == 0 {
		f.log.Info("no ingest source configured, serving stored counts only")
	}

	retentionTicker := time.NewTicker(retentionInterval)
	defer retentionTicker.Stop()

	// Immediate first run
	f.retention.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			_ = f.httpSrv.Shutdown(shutdownCtx)
			cancel()
			wg.Wait()
			return f.db.DB().Close()
		case <-retentionTicker.C:
			f.retention.Run(ctx)
		}
	}
}
