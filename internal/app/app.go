package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"crowdwatch/internal/alerts"
	"crowdwatch/internal/config"
	"crowdwatch/internal/feedclient"
	"crowdwatch/internal/history"
	"crowdwatch/internal/live"
	"crowdwatch/internal/notifier"
	"crowdwatch/internal/observability"
	"crowdwatch/internal/web"
)

const shutdownTimeout = 5 * time.Second

// Dashboard wires the live poller, the history session, threshold alerts
// and the web UI around one feed client.
type Dashboard struct {
	cfg config.Config
	log *slog.Logger

	metrics *observability.Metrics
	feed    *feedclient.Client
	poller  *live.Poller
	alerts  *alerts.Engine
	web     *web.Server

	httpSrv *http.Server
}

func NewDashboard(cfg config.Config, logger *slog.Logger) (*Dashboard, error) {
	fc, err := feedclient.NewClient(cfg.Dashboard.FeedURL, cfg.Dashboard.FeedTimeout)
	if err != nil {
		return nil, err
	}
	m := observability.NewMetrics()
	n := notifier.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID)

	d := &Dashboard{
		cfg:     cfg,
		log:     logger,
		metrics: m,
		feed:    fc,
		poller:  live.NewPoller(fc, cfg.Dashboard.PollInterval, logger.With("module", "live"), m),
		alerts:  alerts.NewEngine(n, cfg.Telegram.AlertCooldown, logger.With("module", "alerts"), m),
	}
	return d, nil
}

// Run blocks until ctx is cancelled, then stops polling, closes the history
// session and shuts the HTTP server down.
func (d *Dashboard) Run(ctx context.Context) error {
	hist := history.NewController(ctx, d.feed, d.log.With("module", "history"), d.metrics)
	d.web = web.NewServer(d.poller, hist, d.metrics, d.log.With("module", "web"))
	d.httpSrv = &http.Server{Addr: d.cfg.Dashboard.Addr, Handler: d.web.Routes(), ReadHeaderTimeout: 10 * time.Second}

	unsubscribe := d.poller.Subscribe(d.alerts.Observe)
	defer unsubscribe()
	go d.alerts.Run(ctx)

	if err := d.poller.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		d.log.Info("http server listening", "addr", d.cfg.Dashboard.Addr, "feed", d.cfg.Dashboard.FeedURL)
		if err := d.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		d.log.Error("http server failed", "err", runErr)
	}

	d.poller.Stop()
	hist.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.httpSrv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	<-d.poller.Done()
	hist.Wait()
	return runErr
}
