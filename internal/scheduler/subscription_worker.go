package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	domainsub "github.com/lyqingye/fetchd/internal/domain/subscription"
	"github.com/lyqingye/fetchd/internal/domain/torrent"
)

// SearchProvider resolves candidate torrents for a bangumi's episodes.
// It is an external collaborator — the concrete search/indexing
// pipeline behind it is out of this engine's scope; the worker only
// consumes its results.
type SearchProvider interface {
	Search(ctx context.Context, bangumiID int64) ([]torrent.Record, error)
}

// MetadataProvider refreshes a bangumi's upstream metadata (poster,
// description, episode list, aggregator torrent listings). Like
// SearchProvider it is an external collaborator; the worker only asks
// it to refresh and never inspects the result — refreshed data is read
// back through the store on the next collector pass.
type MetadataProvider interface {
	Refresh(ctx context.Context, bangumiID int64) error
}

// KnownEpisode is one entry of an EpisodeLister's response: an episode
// number paired with its known broadcast date (zero if unknown).
type KnownEpisode struct {
	Number  int
	AirDate time.Time
}

// EpisodeLister resolves a bangumi's known episodes, used only once to
// bootstrap a subscription's episode tasks and to stamp each with its
// air date for enforce_release_after_broadcast filtering. Like
// SearchProvider, the metadata lookup behind it is out of scope.
type EpisodeLister interface {
	KnownEpisodes(ctx context.Context, bangumiID int64) ([]KnownEpisode, error)
}

// WorkerConfig bundles the two loop intervals. The engine-wide values
// come from the supervisor's configuration; a subscription carrying its
// own non-zero CollectInterval/MetadataInterval overrides them, so a
// cloud-offline-backed subscription can poll less often than one
// driving a local BT client.
type WorkerConfig struct {
	CollectInterval  time.Duration
	MetadataInterval time.Duration
}

// DefaultWorkerConfig pairs a 30 minute collector cadence with a daily
// metadata refresh — posters, descriptions and episode lists change
// far slower than aggregator torrent listings do.
var DefaultWorkerConfig = WorkerConfig{
	CollectInterval:  30 * time.Minute,
	MetadataInterval: 24 * time.Hour,
}

// applyOverrides returns cfg with any non-zero per-subscription
// interval substituted in.
func (c WorkerConfig) applyOverrides(sub *domainsub.Subscription) WorkerConfig {
	if sub.CollectInterval > 0 {
		c.CollectInterval = sub.CollectInterval
	}
	if sub.MetadataInterval > 0 {
		c.MetadataInterval = sub.MetadataInterval
	}
	return c
}

// SubscriptionWorker drives one Subscription with two cooperating
// periodic loops sharing one stop signal: a collector that refreshes
// and searches for new candidates and selects the best one per
// still-missing episode, and a metadata refresher that only asks the
// external metadata service to re-pull the bangumi's upstream data.
// Episode state transitions after a task is started are NOT this
// worker's job — the Task Manager observes them through the TaskUpdated
// broadcast.
type SubscriptionWorker struct {
	sub      *domainsub.Subscription
	store    Store
	manager  *TaskManager
	search   SearchProvider
	metadata MetadataProvider
	cfg      WorkerConfig
	log      *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSubscriptionWorker builds a worker for sub, with cfg already
// carrying the engine-wide interval defaults (sub's own overrides are
// applied on top). metadata may be nil, in which case the refresher
// loop idles and the collector skips its refresh step. Call Spawn to
// start the loops and Stop to tear them down.
func NewSubscriptionWorker(sub *domainsub.Subscription, store Store, manager *TaskManager, search SearchProvider, metadata MetadataProvider, cfg WorkerConfig, log *zap.Logger) *SubscriptionWorker {
	return &SubscriptionWorker{
		sub:      sub,
		store:    store,
		manager:  manager,
		search:   search,
		metadata: metadata,
		cfg:      cfg.applyOverrides(sub),
		log:      log.Named("subscription-worker").With(zap.Int64("bangumi_id", sub.BangumiID)),
	}
}

// Spawn starts the collector and metadata-refresher loops, both
// cancelled together by a single context.CancelFunc.
func (w *SubscriptionWorker) Spawn(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	var loopsDone = make(chan struct{}, 2)
	go func() {
		w.runCollector(ctx)
		loopsDone <- struct{}{}
	}()
	go func() {
		w.runMetadataRefresh(ctx)
		loopsDone <- struct{}{}
	}()
	go func() {
		<-loopsDone
		<-loopsDone
		close(w.done)
	}()
}

// Stop cancels both loops and waits for them to exit.
func (w *SubscriptionWorker) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

func (w *SubscriptionWorker) runCollector(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.CollectInterval)
	defer ticker.Stop()

	w.collectOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.collectOnce(ctx)
		}
	}
}

func (w *SubscriptionWorker) collectOnce(ctx context.Context) {
	w.refreshMetadata(ctx)

	candidates, err := w.search.Search(ctx, w.sub.BangumiID)
	if err != nil {
		w.log.Warn("search failed", zap.Error(err))
		return
	}
	for _, c := range candidates {
		if err := w.store.SaveTorrentRecord(ctx, c); err != nil {
			w.log.Warn("save torrent record failed", zap.String("info_hash", c.InfoHash), zap.Error(err))
		}
	}

	episodes, err := w.store.EpisodeTasks(ctx, w.sub.ID)
	if err != nil {
		w.log.Warn("list episode tasks failed", zap.Error(err))
		return
	}
	var missing []*domainsub.EpisodeTask
	for _, et := range episodes {
		if et.Status == domainsub.EpisodeMissing {
			missing = append(missing, et)
		}
	}
	if len(missing) == 0 {
		return
	}

	all, err := w.store.CandidatesForBangumi(ctx, w.sub.BangumiID)
	if err != nil {
		w.log.Warn("list candidates failed", zap.Error(err))
		return
	}

	// byEffectiveEpisode buckets every cached candidate under the
	// episode number it resolves to once this subscription's
	// start-episode correction is applied to its raw parsed episode
	// number — done once per collector pass rather than once per
	// missing episode.
	byEffectiveEpisode := make(map[int][]torrent.Record)
	for _, c := range all {
		n := w.sub.EffectiveEpisode(c.Attributes.Episode)
		byEffectiveEpisode[n] = append(byEffectiveEpisode[n], c)
	}

	for _, et := range missing {
		w.selectAndStart(ctx, et, byEffectiveEpisode[et.EpisodeNumber])
	}
}

func (w *SubscriptionWorker) selectAndStart(ctx context.Context, et *domainsub.EpisodeTask, pool []torrent.Record) {
	if w.sub.EnforceReleaseAfterBroadcast && !et.AirDate.IsZero() {
		filtered := pool[:0:0]
		for _, c := range pool {
			if !c.PubDate.Before(et.AirDate) {
				filtered = append(filtered, c)
			}
		}
		pool = filtered
	}

	winner, ok := torrent.Select(pool, w.sub.Filter)
	if !ok {
		return
	}

	// The episode is bound Ready before the task is driven, so the
	// download machinery always finds the binding in place when its
	// first broadcast fires.
	et.MarkReady(winner.Resource.InfoHash())
	if err := w.store.SaveEpisodeTask(ctx, et); err != nil {
		w.log.Warn("save episode task failed", zap.Int("episode", et.EpisodeNumber), zap.Error(err))
		return
	}

	if _, err := w.manager.CreateTask(ctx, winner.Resource, et.ID, w.sub.DownloadDir, w.sub.AllowFallback, w.sub.PreferredDownloader); err != nil {
		w.log.Warn("create task failed", zap.Int("episode", et.EpisodeNumber), zap.Error(err))
		et.Reset()
		if err := w.store.SaveEpisodeTask(ctx, et); err != nil {
			w.log.Warn("save episode task failed", zap.Int("episode", et.EpisodeNumber), zap.Error(err))
		}
		return
	}
}

func (w *SubscriptionWorker) runMetadataRefresh(ctx context.Context) {
	if w.metadata == nil {
		return
	}
	ticker := time.NewTicker(w.cfg.MetadataInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.refreshMetadata(ctx)
		}
	}
}

func (w *SubscriptionWorker) refreshMetadata(ctx context.Context) {
	if w.metadata == nil {
		return
	}
	if err := w.metadata.Refresh(ctx, w.sub.BangumiID); err != nil {
		w.log.Warn("metadata refresh failed", zap.Error(err))
	}
}

// BootstrapEpisodes creates Missing episode tasks for every known
// episode at or after the subscription's effective start, resolving
// StartEpisodeNumber to the lowest known episode when it was not set
// explicitly.
func BootstrapEpisodes(ctx context.Context, sub *domainsub.Subscription, lister EpisodeLister, store Store, newEpisodeTaskID func(int) string) error {
	known, err := lister.KnownEpisodes(ctx, sub.BangumiID)
	if err != nil {
		return err
	}
	if sub.StartEpisodeNumber == 0 && len(known) > 0 {
		min := known[0].Number
		for _, e := range known {
			if e.Number < min {
				min = e.Number
			}
		}
		sub.StartEpisodeNumber = min
		if err := store.SaveSubscription(ctx, sub); err != nil {
			return err
		}
	}
	for _, e := range known {
		if e.Number < sub.StartEpisodeNumber {
			continue
		}
		et, err := domainsub.NewEpisodeTask(newEpisodeTaskID(e.Number), sub.ID, e.Number, e.AirDate)
		if err != nil {
			return err
		}
		if err := store.SaveEpisodeTask(ctx, et); err != nil {
			return err
		}
	}
	return nil
}
