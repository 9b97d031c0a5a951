package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lyqingye/fetchd/internal/config"
	domainsub "github.com/lyqingye/fetchd/internal/domain/subscription"
	domaintask "github.com/lyqingye/fetchd/internal/domain/task"
	"github.com/lyqingye/fetchd/internal/domain/torrent"
	"github.com/lyqingye/fetchd/internal/infrastructure/adapters"
	"github.com/lyqingye/fetchd/internal/infrastructure/adapters/alist"
	"github.com/lyqingye/fetchd/internal/infrastructure/adapters/nativebt"
	"github.com/lyqingye/fetchd/internal/infrastructure/adapters/qbittorrent"
	"github.com/lyqingye/fetchd/internal/infrastructure/adapters/transmission"
	"github.com/lyqingye/fetchd/internal/infrastructure/persistence/gorm"
	"github.com/lyqingye/fetchd/internal/logger"
	"github.com/lyqingye/fetchd/internal/scheduler"
	"github.com/lyqingye/fetchd/internal/task"
	"github.com/lyqingye/fetchd/pkg/events"
	"github.com/lyqingye/fetchd/pkg/interfaces"
	pkglogger "github.com/lyqingye/fetchd/pkg/logger"
)

const serviceName = "download-service"

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log, err := logger.New(cfg.Server.ServiceName, cfg.Server.Environment, cfg.Server.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}
	defer log.Sync()

	log.Info("starting service",
		zap.String("version", "1.0.0"),
		zap.String("environment", cfg.Server.Environment),
	)

	db, dbCleanup, err := gorm.NewDB(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize database", zap.Error(err))
	}
	defer dbCleanup()

	store := gorm.NewFetchStore(db)

	registry, err := buildRegistry(cfg, log)
	if err != nil {
		log.Fatal("failed to build adapter registry", zap.Error(err))
	}

	// TaskCreated/TaskUpdated/Subscribed/Unsubscribed/EpisodeDownloaded
	// all broadcast over pkg/interfaces.EventBus. The in-process bus is
	// always the engine's own transport — the Task Manager recovers full
	// event payloads from it by type assertion. With NATS_ENABLED set,
	// every outward event type is additionally relayed onto a NATS-backed
	// bus (core pub/sub, not JetStream) so other processes on the same
	// cluster can observe them too, at the cost of delivery being lossy
	// for a subscriber that's down when the event fires.
	eventBus := events.NewInMemoryEventBus(pkglogger.New())
	if err := eventBus.Start(context.Background()); err != nil {
		log.Fatal("failed to start event bus", zap.Error(err))
	}
	defer eventBus.Stop()

	if cfg.NATS.Enabled {
		natsBus, err := events.NewNATSEventBus(cfg.NATS.URL, cfg.NATS.Subject, pkglogger.New())
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		if err := natsBus.Start(context.Background()); err != nil {
			log.Fatal("failed to start NATS event bus", zap.Error(err))
		}
		defer natsBus.Stop()

		for _, eventType := range []string{"TaskCreated", "TaskUpdated", "Subscribed", "Unsubscribed", "EpisodeDownloaded"} {
			if err := eventBus.Subscribe(eventType, natsRelay{out: natsBus, eventType: eventType}); err != nil {
				log.Warn("failed to relay event type to NATS", zap.String("event_type", eventType), zap.Error(err))
			}
		}
	}

	actor := task.NewActor(store, registry, eventBus, log)
	reconciler := task.NewReconciler(store, registry, actor, log)
	manager := scheduler.NewTaskManager(store, actor, registry, eventBus, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.LoadCache(ctx); err != nil {
		log.Fatal("failed to load task cache", zap.Error(err))
	}

	// No concrete SearchProvider is wired: candidate-torrent search and
	// indexing is an external capability this engine consumes rather
	// than implements (see scheduler.SearchProvider's doc comment).
	// noopSearchProvider lets the supervisor and every subscription
	// worker start up cleanly; new candidates only ever arrive through
	// the manual_select API below until a real provider is injected.
	supervisorCfg := scheduler.SupervisorConfig{
		RetryTickInterval: cfg.Scheduler.RetryTickInterval,
		ReconcileInterval: cfg.Scheduler.ReconcileInterval,
		Worker: scheduler.WorkerConfig{
			CollectInterval:  cfg.Scheduler.CollectInterval,
			MetadataInterval: cfg.Scheduler.MetadataInterval,
		},
	}
	// No MetadataProvider or EpisodeLister is wired either, for the same
	// reason: both depend on the external metadata service (out of
	// scope). Each worker's refresher loop idles without a provider, and
	// Subscribe just skips auto-creating episode tasks, leaving that to
	// whatever already seeded episode_download_tasks for the bangumi.
	supervisor := scheduler.NewSupervisor(store, manager, reconciler, noopSearchProvider{}, nil, nil, eventBus, supervisorCfg, log)

	if err := supervisor.Start(ctx); err != nil {
		log.Fatal("failed to start supervisor", zap.Error(err))
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: newAPIHandler(supervisor, store, log),
	}

	go func() {
		log.Info("starting HTTP server", zap.Int("port", cfg.Server.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to serve HTTP", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down service")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTime)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to shutdown HTTP server", zap.Error(err))
	}

	supervisor.Stop()
	cancel()

	log.Info("service shutdown complete")
}

// buildRegistry constructs one adapter per enabled entry of
// cfg.Download. The cloud offline-download adapter is never wired
// here: it needs a concrete cloudoffline.Service talking to an actual
// pan-115-style API, which, like SearchProvider, is an external
// capability this repository does not itself implement.
func buildRegistry(cfg *config.Config, log *zap.Logger) (*adapters.Registry, error) {
	var built []domaintask.Adapter

	if cfg.Download.NativeBT.Enabled {
		a, err := nativebt.New("nativebt", cfg.Download.DataDir, adapterConfig(cfg.Download.NativeBT), log)
		if err != nil {
			return nil, fmt.Errorf("build nativebt adapter: %w", err)
		}
		built = append(built, a)
	}
	if cfg.Download.QBittorrent.Enabled {
		c := cfg.Download.QBittorrent
		built = append(built, qbittorrent.New("qbittorrent", c.BaseURL, c.Username, c.Password, adapterConfig(c.AdapterConfig), log))
	}
	if cfg.Download.Transmission.Enabled {
		c := cfg.Download.Transmission
		built = append(built, transmission.New("transmission", c.Address, c.Username, c.Password, c.DownloadDir, adapterConfig(c.AdapterConfig), log))
	}
	if cfg.Download.Alist.Enabled {
		c := cfg.Download.Alist
		built = append(built, alist.New("alist", c.BaseURL, c.Token, c.TargetDir, adapterConfig(c.AdapterConfig), log))
	}
	if len(built) == 0 {
		log.Warn("no downloader adapters enabled")
	}
	return adapters.NewRegistry(built...), nil
}

func adapterConfig(c config.AdapterConfig) domaintask.Config {
	return domaintask.Config{
		Priority:               c.Priority,
		RetryMinInterval:       c.RetryMinInterval,
		RetryMaxInterval:       c.RetryMaxInterval,
		DownloadTimeout:        c.DownloadTimeout,
		MaxRetryCount:          c.MaxRetryCount,
		DeleteTaskOnCompletion: c.DeleteTaskOnCompletion,
		DownloadDir:            c.DownloadDir,
	}
}

// natsRelay republishes one event type from the in-process bus onto
// the NATS-backed bus, so cross-process observers see the same outward
// stream the engine's own components consume locally.
type natsRelay struct {
	out       interfaces.EventBus
	eventType string
}

func (r natsRelay) EventType() string { return r.eventType }

func (r natsRelay) Handle(ctx context.Context, event interfaces.Event) error {
	return r.out.Publish(ctx, event)
}

// noopSearchProvider always reports no candidates. It exists only so
// Supervisor.Start and every SubscriptionWorker's collector loop have
// something to call; plugging in a real indexer means swapping this
// for a concrete scheduler.SearchProvider at construction time above.
type noopSearchProvider struct{}

func (noopSearchProvider) Search(ctx context.Context, bangumiID int64) ([]torrent.Record, error) {
	return nil, nil
}

// newAPIHandler exposes the engine's operator-facing surface over
// plain net/http + JSON: no HTTP router or protobuf/gRPC tooling
// survives in this module's dependency set, so the routes are
// registered directly on a ServeMux rather than generated from an IDL.
func newAPIHandler(supervisor *scheduler.Supervisor, store scheduler.Store, log *zap.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("/v1/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			BangumiID                    int64          `json:"bangumi_id"`
			StartEpisodeNumber           int            `json:"start_episode_number"`
			Filter                       torrent.Filter `json:"filter"`
			DownloadDir                  string         `json:"download_dir"`
			CollectIntervalSeconds       int64          `json:"collect_interval_seconds"`
			MetadataIntervalSeconds      int64          `json:"metadata_interval_seconds"`
			EnforceReleaseAfterBroadcast bool           `json:"enforce_release_after_broadcast"`
			PreferredDownloader          string         `json:"preferred_downloader"`
			AllowFallback                bool           `json:"allow_fallback"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		sub, err := domainsub.New(
			fmt.Sprintf("sub-%d", req.BangumiID),
			req.BangumiID,
			req.StartEpisodeNumber,
			req.Filter,
			req.DownloadDir,
			req.EnforceReleaseAfterBroadcast,
			req.PreferredDownloader,
			req.AllowFallback,
		)
		if !writeErr(w, err) {
			return
		}
		sub.CollectInterval = time.Duration(req.CollectIntervalSeconds) * time.Second
		sub.MetadataInterval = time.Duration(req.MetadataIntervalSeconds) * time.Second
		if err := supervisor.Subscribe(r.Context(), sub); !writeErr(w, err) {
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	})

	mux.HandleFunc("/v1/subscriptions/unsubscribe", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			BangumiID int64 `json:"bangumi_id"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		subs, err := store.Subscriptions(r.Context())
		if !writeErr(w, err) {
			return
		}
		for _, sub := range subs {
			if sub.BangumiID == req.BangumiID {
				if err := supervisor.Unsubscribe(r.Context(), sub); !writeErr(w, err) {
					return
				}
				writeJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed"})
				return
			}
		}
		http.Error(w, "no subscription for bangumi", http.StatusNotFound)
	})

	mux.HandleFunc("/v1/manual_select", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			BangumiID     int64  `json:"bangumi_id"`
			EpisodeNumber int    `json:"episode_number"`
			Magnet        string `json:"magnet"`
			TorrentURL    string `json:"torrent_url"`
			InfoHash      string `json:"info_hash"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		resource, err := resolveResource(req.Magnet, req.TorrentURL, req.InfoHash)
		if !writeErr(w, err) {
			return
		}
		t, err := supervisor.ManualSelect(r.Context(), req.BangumiID, req.EpisodeNumber, resource)
		if !writeErr(w, err) {
			return
		}
		writeJSON(w, http.StatusOK, t)
	})

	mux.HandleFunc("/v1/retry", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			BangumiID     int64 `json:"bangumi_id"`
			EpisodeNumber int   `json:"episode_number"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := supervisor.Retry(r.Context(), req.BangumiID, req.EpisodeNumber); !writeErr(w, err) {
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "retrying"})
	})

	mux.HandleFunc("/v1/metrics", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, supervisor.Metrics())
	})

	return mux
}

func resolveResource(magnet, torrentURL, infoHash string) (torrent.Resource, error) {
	switch {
	case magnet != "":
		return torrent.NewMagnetResource(magnet)
	case torrentURL != "" && infoHash != "":
		return torrent.NewTorrentURLResource(torrentURL, infoHash)
	case infoHash != "":
		return torrent.NewInfoHashResource(infoHash)
	default:
		return torrent.Resource{}, fmt.Errorf("one of magnet, torrent_url+info_hash, or info_hash is required")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr writes err as a JSON error response and reports whether the
// caller should continue (err == nil).
func writeErr(w http.ResponseWriter, err error) bool {
	if err == nil {
		return true
	}
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	return false
}
