package qbittorrent

import (
	"context"
	"net/http"
	"path"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	domaintask "github.com/lyqingye/fetchd/internal/domain/task"
	domaintorrent "github.com/lyqingye/fetchd/internal/domain/torrent"
	apperrors "github.com/lyqingye/fetchd/pkg/errors"
)

// Adapter drives torrents through a remote qBittorrent instance's Web
// API rather than an embedded client, letting the engine delegate
// actual peer traffic to a long-running download box.
type Adapter struct {
	name    string
	client  *client
	cfg     domaintask.Config
	log     *zap.Logger
	limiter *rate.Limiter
}

// New builds an Adapter against a qBittorrent instance at baseURL
// (e.g. "http://downloader:8080"). ListTasks calls are capped at 2/s so
// a reconciler pass against a large task set doesn't hammer the Web API.
func New(name, baseURL, username, password string, cfg domaintask.Config, log *zap.Logger) *Adapter {
	return &Adapter{
		name:    name,
		client:  newClient(baseURL, username, password, http.DefaultClient),
		cfg:     cfg,
		log:     log.Named("qbittorrent").With(zap.String("adapter", name)),
		limiter: rate.NewLimiter(2, 1),
	}
}

func (a *Adapter) Name() string              { return a.name }
func (a *Adapter) Priority() int             { return a.cfg.Priority }
func (a *Adapter) Config() domaintask.Config { return a.cfg }

func (a *Adapter) SupportsResourceType(kind domaintorrent.Kind) bool {
	return kind == domaintorrent.KindMagnet || kind == domaintorrent.KindTorrentFile
}

// RecommendedResourceType is a magnet URI: qBittorrent's Web API takes
// one directly, whereas a raw torrent file has to be uploaded as
// multipart form data.
func (a *Adapter) RecommendedResourceType() domaintorrent.Kind { return domaintorrent.KindMagnet }

// AddTask returns resource.InfoHash() as the tid: qBittorrent's Web API
// keys every torrent by info hash, the same as the engine's own key, so
// there is no separate adapter-side identifier to mint. dir is resolved
// under the configured DownloadDir; when both are empty the daemon's
// own default save path applies.
func (a *Adapter) AddTask(ctx context.Context, resource domaintorrent.Resource, dir string) (string, string, error) {
	infoHash := resource.InfoHash()
	savePath := joinSavePath(a.cfg.DownloadDir, dir)
	var err error
	switch resource.Kind() {
	case domaintorrent.KindMagnet:
		err = a.client.addMagnet(resource.Magnet(), savePath)
	case domaintorrent.KindTorrentFile:
		err = a.client.addTorrentFile(infoHash+".torrent", resource.TorrentFile(), savePath)
	default:
		return "", "", apperrors.New(apperrors.ErrorTypeUnsupportedResource, "qbittorrent adapter cannot add resource kind "+string(resource.Kind()))
	}
	if err != nil {
		return "", "", apperrors.Wrap(apperrors.ErrorTypeAdapterTransient, "qbittorrent add torrent", err)
	}
	return infoHash, "", nil
}

func (a *Adapter) Pause(ctx context.Context, tid string) error {
	if err := a.client.pause(tid); err != nil {
		return apperrors.Wrap(apperrors.ErrorTypeAdapterTransient, "qbittorrent pause", err)
	}
	return nil
}

func (a *Adapter) Resume(ctx context.Context, tid string) error {
	if err := a.client.resume(tid); err != nil {
		return apperrors.Wrap(apperrors.ErrorTypeAdapterTransient, "qbittorrent resume", err)
	}
	return nil
}

func (a *Adapter) Cancel(ctx context.Context, tid string) error {
	if err := a.client.delete(tid, false); err != nil {
		return apperrors.Wrap(apperrors.ErrorTypeAdapterTransient, "qbittorrent delete", err)
	}
	return nil
}

func (a *Adapter) Remove(ctx context.Context, tid string, alsoRemoveFiles bool) error {
	if err := a.client.delete(tid, alsoRemoveFiles); err != nil {
		return apperrors.Wrap(apperrors.ErrorTypeAdapterTransient, "qbittorrent delete", err)
	}
	return nil
}

func (a *Adapter) ListTasks(ctx context.Context, tids []string) ([]domaintask.RemoteTask, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	infos, err := a.client.info(tids)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrorTypeAdapterTransient, "qbittorrent torrents info", err)
	}
	out := make([]domaintask.RemoteTask, 0, len(infos))
	for _, info := range infos {
		out = append(out, domaintask.RemoteTask{
			Tid:    strings.ToLower(info.Hash),
			Status: mapState(info.State),
			Result: info.SavePath,
		})
	}
	return out, nil
}

// ListFiles enumerates the files qBittorrent resolved for tid's
// torrent; opaqueContext is unused since qBittorrent's Web API already
// keys file listings by hash.
func (a *Adapter) ListFiles(ctx context.Context, tid string, opaqueContext string) ([]domaintask.FileEntry, error) {
	infos, err := a.client.info([]string{tid})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrorTypeAdapterTransient, "qbittorrent torrents info", err)
	}
	if len(infos) == 0 {
		return nil, apperrors.New(apperrors.ErrorTypeTaskNotFound, "no such torrent: "+tid)
	}
	savePath := infos[0].SavePath

	files, err := a.client.files(tid)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrorTypeAdapterTransient, "qbittorrent torrents files", err)
	}
	out := make([]domaintask.FileEntry, 0, len(files))
	for _, f := range files {
		out = append(out, domaintask.FileEntry{
			FileID:   savePath + "/" + f.Name,
			FileName: f.Name,
			FileSize: f.Size,
		})
	}
	return out, nil
}

// DlFile returns a direct file:// path: fileID is already the absolute
// save path ListFiles built, so there is no HTTP server to redirect to.
func (a *Adapter) DlFile(ctx context.Context, fileID string, userAgent string) (domaintask.DlFileResult, error) {
	return domaintask.DlFileResult{URL: "file://" + fileID, AccessType: domaintask.AccessForward}, nil
}

// joinSavePath resolves a task's relative dir under the adapter's
// configured root. Either side may be empty: both empty means "let the
// daemon use its own default save path", signalled by returning "".
func joinSavePath(root, dir string) string {
	switch {
	case root == "":
		return dir
	case dir == "":
		return root
	default:
		return path.Join(root, dir)
	}
}

// mapState translates a qBittorrent torrent state string into the
// engine's coarser RemoteStatus, grouping every seeding/uploading state
// as completed since qBittorrent keeps seeding long after a torrent's
// data is fully fetched.
func mapState(state string) domaintask.RemoteStatus {
	switch state {
	case "pausedDL", "pausedUP":
		return domaintask.RemoteStatusPaused
	case "error", "missingFiles":
		return domaintask.RemoteStatusFailed
	case "uploading", "stalledUP", "queuedUP", "checkingUP", "forcedUP", "moving":
		return domaintask.RemoteStatusCompleted
	default:
		return domaintask.RemoteStatusDownloading
	}
}
