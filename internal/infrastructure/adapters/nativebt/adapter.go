// Package nativebt implements a task.Adapter backed directly by an
// embedded anacrolix/torrent BitTorrent client, with no external
// downloader service behind it.
package nativebt

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"
	"go.uber.org/zap"

	domaintask "github.com/lyqingye/fetchd/internal/domain/task"
	domaintorrent "github.com/lyqingye/fetchd/internal/domain/torrent"
	apperrors "github.com/lyqingye/fetchd/pkg/errors"
)

// Adapter drives torrents directly through an in-process BitTorrent
// client, with no external downloader service to talk to.
type Adapter struct {
	name    string
	client  *torrent.Client
	dataDir string
	log     *zap.Logger
	cfg     domaintask.Config

	mu       sync.Mutex
	torrents map[string]*torrent.Torrent
	dirs     map[string]string // tid -> relative dir the task was added with
}

// New builds an Adapter with its own embedded torrent.Client rooted at
// dataDir.
func New(name, dataDir string, cfg domaintask.Config, log *zap.Logger) (*Adapter, error) {
	tcfg := torrent.NewDefaultClientConfig()
	tcfg.DataDir = dataDir
	tcfg.Seed = false
	dhtBootstrapHosts := []string{
		"router.utorrent.com:6881",
		"router.bittorrent.com:6881",
		"dht.transmissionbt.com:6881",
	}
	tcfg.DhtStartingNodes = func(network string) dht.StartingNodesGetter {
		return func() ([]dht.Addr, error) {
			var addrs []dht.Addr
			for _, host := range dhtBootstrapHosts {
				udpAddr, err := net.ResolveUDPAddr(network, host)
				if err != nil {
					continue
				}
				addrs = append(addrs, dht.NewAddr(udpAddr))
			}
			return addrs, nil
		}
	}

	client, err := torrent.NewClient(tcfg)
	if err != nil {
		return nil, fmt.Errorf("create torrent client: %w", err)
	}

	cfg.DownloadDir = dataDir
	return &Adapter{
		name:     name,
		client:   client,
		dataDir:  dataDir,
		log:      log.Named("nativebt").With(zap.String("adapter", name)),
		cfg:      cfg,
		torrents: make(map[string]*torrent.Torrent),
		dirs:     make(map[string]string),
	}, nil
}

func (a *Adapter) Name() string              { return a.name }
func (a *Adapter) Priority() int             { return a.cfg.Priority }
func (a *Adapter) Config() domaintask.Config { return a.cfg }

func (a *Adapter) SupportsResourceType(kind domaintorrent.Kind) bool {
	return kind == domaintorrent.KindMagnet || kind == domaintorrent.KindTorrentFile
}

// RecommendedResourceType is raw torrent-file bytes: they carry the
// full piece layout up front, so this adapter can start downloading
// immediately instead of waiting on a magnet's metadata exchange.
func (a *Adapter) RecommendedResourceType() domaintorrent.Kind { return domaintorrent.KindTorrentFile }

// AddTask adds a magnet or raw torrent-file resource and begins
// downloading it in the background, landing the content under
// dataDir/dir. AddTask only accepts magnet and torrent-file resources —
// a bare URL to a .torrent file would need to be fetched first, which
// this adapter does not do on the caller's behalf. The returned tid is
// always resource.InfoHash(): the embedded client itself keys
// everything by info hash, so there is no separate adapter-side
// identifier to mint.
func (a *Adapter) AddTask(ctx context.Context, resource domaintorrent.Resource, dir string) (string, string, error) {
	infoHash := resource.InfoHash()
	a.mu.Lock()
	if _, exists := a.torrents[infoHash]; exists {
		a.mu.Unlock()
		return infoHash, "", nil
	}
	a.mu.Unlock()

	var spec *torrent.TorrentSpec
	switch resource.Kind() {
	case domaintorrent.KindMagnet:
		var err error
		spec, err = torrent.TorrentSpecFromMagnetUri(resource.Magnet())
		if err != nil {
			return "", "", apperrors.Wrap(apperrors.ErrorTypeParseFormat, "parse magnet uri", err)
		}
	case domaintorrent.KindTorrentFile:
		mi, miErr := metainfo.Load(bytes.NewReader(resource.TorrentFile()))
		if miErr != nil {
			return "", "", apperrors.Wrap(apperrors.ErrorTypeParseFormat, "load torrent file", miErr)
		}
		spec = torrent.TorrentSpecFromMetaInfo(mi)
	default:
		return "", "", apperrors.New(apperrors.ErrorTypeUnsupportedResource, "nativebt adapter cannot add resource kind "+string(resource.Kind()))
	}
	if dir != "" {
		spec.Storage = storage.NewFile(filepath.Join(a.dataDir, dir))
	}

	t, _, err := a.client.AddTorrentSpec(spec)
	if err != nil {
		return "", "", apperrors.Wrap(apperrors.ErrorTypeAdapterTransient, "add torrent", err)
	}

	a.mu.Lock()
	a.torrents[infoHash] = t
	a.dirs[infoHash] = dir
	a.mu.Unlock()

	go a.run(t)
	return infoHash, "", nil
}

// root returns the absolute directory tid's content lands in.
func (a *Adapter) root(tid string) string {
	a.mu.Lock()
	dir := a.dirs[tid]
	a.mu.Unlock()
	return filepath.Join(a.dataDir, dir)
}

func (a *Adapter) run(t *torrent.Torrent) {
	select {
	case <-t.GotInfo():
	case <-time.After(30 * time.Second):
		a.log.Warn("timeout waiting for torrent metadata", zap.String("info_hash", t.InfoHash().String()))
		return
	}
	t.DownloadAll()
}

func (a *Adapter) Pause(ctx context.Context, tid string) error {
	t, ok := a.lookup(tid)
	if !ok {
		return nil
	}
	t.DisallowDataDownload()
	return nil
}

func (a *Adapter) Resume(ctx context.Context, tid string) error {
	t, ok := a.lookup(tid)
	if !ok {
		return apperrors.New(apperrors.ErrorTypeResourceNotFound, "no such torrent: "+tid)
	}
	t.AllowDataDownload()
	return nil
}

func (a *Adapter) Cancel(ctx context.Context, tid string) error {
	t, ok := a.lookup(tid)
	if !ok {
		return nil
	}
	t.Drop()
	a.mu.Lock()
	delete(a.torrents, tid)
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Remove(ctx context.Context, tid string, alsoRemoveFiles bool) error {
	// Capture the content path before Cancel drops the torrent handle.
	var contentPath string
	if t, ok := a.lookup(tid); ok && t.Info() != nil {
		contentPath = filepath.Join(a.root(tid), t.Name())
	}
	if err := a.Cancel(ctx, tid); err != nil {
		return err
	}
	a.mu.Lock()
	delete(a.dirs, tid)
	a.mu.Unlock()
	if !alsoRemoveFiles || contentPath == "" {
		return nil
	}
	return os.RemoveAll(contentPath)
}

func (a *Adapter) ListTasks(ctx context.Context, tids []string) ([]domaintask.RemoteTask, error) {
	var out []domaintask.RemoteTask
	for _, tid := range tids {
		t, ok := a.lookup(tid)
		if !ok {
			continue
		}
		rt := domaintask.RemoteTask{Tid: tid, Status: domaintask.RemoteStatusDownloading}
		if t.Complete().Bool() {
			rt.Status = domaintask.RemoteStatusCompleted
			rt.Result = filepath.Join(a.root(tid), t.Name())
		}
		out = append(out, rt)
	}
	return out, nil
}

// ListFiles enumerates the files anacrolix/torrent resolved for tid
// once its metadata is available; opaqueContext is unused since the
// client already keeps the file list in memory.
func (a *Adapter) ListFiles(ctx context.Context, tid string, opaqueContext string) ([]domaintask.FileEntry, error) {
	t, ok := a.lookup(tid)
	if !ok {
		return nil, apperrors.New(apperrors.ErrorTypeTaskNotFound, "no such torrent: "+tid)
	}
	a.mu.Lock()
	dir := a.dirs[tid]
	a.mu.Unlock()
	files := t.Files()
	out := make([]domaintask.FileEntry, 0, len(files))
	for _, f := range files {
		out = append(out, domaintask.FileEntry{
			FileID:   filepath.Join(dir, f.Path()),
			FileName: f.DisplayPath(),
			FileSize: f.Length(),
		})
	}
	return out, nil
}

// DlFile returns a direct file:// path under this adapter's data
// directory; the access type is Forward since there is no HTTP server
// in front of it for a caller to be redirected to.
func (a *Adapter) DlFile(ctx context.Context, fileID string, userAgent string) (domaintask.DlFileResult, error) {
	return domaintask.DlFileResult{
		URL:        "file://" + filepath.Join(a.dataDir, fileID),
		AccessType: domaintask.AccessForward,
	}, nil
}

func (a *Adapter) lookup(infoHash string) (*torrent.Torrent, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.torrents[infoHash]
	return t, ok
}

// Close releases the embedded torrent client.
func (a *Adapter) Close() error {
	a.client.Close()
	return nil
}
