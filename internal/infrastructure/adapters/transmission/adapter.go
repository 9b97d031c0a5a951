package transmission

import (
	"context"
	"encoding/base64"
	"path"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	domaintask "github.com/lyqingye/fetchd/internal/domain/task"
	domaintorrent "github.com/lyqingye/fetchd/internal/domain/torrent"
	apperrors "github.com/lyqingye/fetchd/pkg/errors"
)

// Adapter drives torrents through a remote Transmission daemon's RPC
// API.
type Adapter struct {
	name        string
	client      *client
	downloadDir string
	cfg         domaintask.Config
	log         *zap.Logger
	limiter     *rate.Limiter
}

// New builds an Adapter against a Transmission daemon at address (host
// or host:port, with or without scheme — the client normalizes it).
// ListTasks calls are capped at 2/s, matching the qbittorrent adapter's
// polling ceiling.
func New(name, address, username, password, downloadDir string, cfg domaintask.Config, log *zap.Logger) *Adapter {
	cfg.DownloadDir = downloadDir
	return &Adapter{
		name:        name,
		client:      newClient(address, username, password),
		downloadDir: downloadDir,
		cfg:         cfg,
		log:         log.Named("transmission").With(zap.String("adapter", name)),
		limiter:     rate.NewLimiter(2, 1),
	}
}

func (a *Adapter) Name() string              { return a.name }
func (a *Adapter) Priority() int             { return a.cfg.Priority }
func (a *Adapter) Config() domaintask.Config { return a.cfg }

func (a *Adapter) SupportsResourceType(kind domaintorrent.Kind) bool {
	return kind == domaintorrent.KindMagnet || kind == domaintorrent.KindTorrentFile
}

// RecommendedResourceType is a magnet URI, matching the qbittorrent
// adapter's reasoning: Transmission's RPC takes a magnet filename
// directly, with no base64 encoding step.
func (a *Adapter) RecommendedResourceType() domaintorrent.Kind { return domaintorrent.KindMagnet }

// AddTask returns resource.InfoHash() as the tid: Transmission's RPC
// keys every torrent by hash string, the same as the engine's own key.
// dir is resolved under the configured download dir; "" for both lets
// the daemon's own default apply.
func (a *Adapter) AddTask(ctx context.Context, resource domaintorrent.Resource, dir string) (string, string, error) {
	infoHash := resource.InfoHash()
	dst := a.downloadDir
	switch {
	case dst == "":
		dst = dir
	case dir != "":
		dst = path.Join(dst, dir)
	}
	var err error
	switch resource.Kind() {
	case domaintorrent.KindMagnet:
		err = a.client.addMagnet(resource.Magnet(), dst)
	case domaintorrent.KindTorrentFile:
		err = a.client.addTorrentFile(base64.StdEncoding.EncodeToString(resource.TorrentFile()), dst)
	default:
		return "", "", apperrors.New(apperrors.ErrorTypeUnsupportedResource, "transmission adapter cannot add resource kind "+string(resource.Kind()))
	}
	if err != nil {
		return "", "", apperrors.Wrap(apperrors.ErrorTypeAdapterTransient, "transmission add torrent", err)
	}
	return infoHash, "", nil
}

func (a *Adapter) Pause(ctx context.Context, tid string) error {
	if err := a.client.stop(tid); err != nil {
		return apperrors.Wrap(apperrors.ErrorTypeAdapterTransient, "transmission stop", err)
	}
	return nil
}

func (a *Adapter) Resume(ctx context.Context, tid string) error {
	if err := a.client.start(tid); err != nil {
		return apperrors.Wrap(apperrors.ErrorTypeAdapterTransient, "transmission start", err)
	}
	return nil
}

func (a *Adapter) Cancel(ctx context.Context, tid string) error {
	if err := a.client.remove(tid, false); err != nil {
		return apperrors.Wrap(apperrors.ErrorTypeAdapterTransient, "transmission remove", err)
	}
	return nil
}

func (a *Adapter) Remove(ctx context.Context, tid string, alsoRemoveFiles bool) error {
	if err := a.client.remove(tid, alsoRemoveFiles); err != nil {
		return apperrors.Wrap(apperrors.ErrorTypeAdapterTransient, "transmission remove", err)
	}
	return nil
}

func (a *Adapter) ListTasks(ctx context.Context, tids []string) ([]domaintask.RemoteTask, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	torrents, err := a.client.get(tids)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrorTypeAdapterTransient, "transmission torrent-get", err)
	}
	out := make([]domaintask.RemoteTask, 0, len(torrents))
	for _, t := range torrents {
		rt := domaintask.RemoteTask{Tid: t.HashString, Status: mapStatus(t), ErrMsg: t.ErrorString}
		if rt.Status == domaintask.RemoteStatusCompleted {
			rt.Result = t.DownloadDir
		}
		out = append(out, rt)
	}
	return out, nil
}

// ListFiles enumerates the files Transmission resolved for tid's
// torrent; opaqueContext is unused since torrent-get's files field
// already keys by hash.
func (a *Adapter) ListFiles(ctx context.Context, tid string, opaqueContext string) ([]domaintask.FileEntry, error) {
	t, err := a.client.getWithFiles(tid)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrorTypeAdapterTransient, "transmission torrent-get", err)
	}
	if t == nil {
		return nil, apperrors.New(apperrors.ErrorTypeTaskNotFound, "no such torrent: "+tid)
	}
	out := make([]domaintask.FileEntry, 0, len(t.Files))
	for _, f := range t.Files {
		out = append(out, domaintask.FileEntry{
			FileID:   t.DownloadDir + "/" + f.Name,
			FileName: f.Name,
			FileSize: f.Length,
		})
	}
	return out, nil
}

// DlFile returns a direct file:// path: fileID is already the absolute
// download path ListFiles built, so there is no HTTP server to
// redirect to.
func (a *Adapter) DlFile(ctx context.Context, fileID string, userAgent string) (domaintask.DlFileResult, error) {
	return domaintask.DlFileResult{URL: "file://" + fileID, AccessType: domaintask.AccessForward}, nil
}

// mapStatus translates Transmission's numeric status plus percentDone
// into the engine's RemoteStatus: seed/seedWait both mean the data is
// fully fetched, stopped-with-progress is Paused rather than Failed,
// and a non-empty errorString always wins regardless of status.
func mapStatus(t torrent) domaintask.RemoteStatus {
	if t.ErrorString != "" {
		return domaintask.RemoteStatusFailed
	}
	switch t.Status {
	case statusStopped:
		if t.PercentDone >= 1 {
			return domaintask.RemoteStatusCompleted
		}
		return domaintask.RemoteStatusPaused
	case statusSeed, statusSeedWait:
		return domaintask.RemoteStatusCompleted
	default:
		return domaintask.RemoteStatusDownloading
	}
}
