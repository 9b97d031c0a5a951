// Package alist implements a task.Adapter backed by an Alist instance's
// offline-download REST API (https://alist.nn.ci): a small unexported
// JSON-over-HTTP client that sends the configured token as the raw
// Authorization header, plus an Adapter that maps Alist's task states
// onto RemoteStatus.
package alist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"go.uber.org/zap"

	domaintask "github.com/lyqingye/fetchd/internal/domain/task"
	domaintorrent "github.com/lyqingye/fetchd/internal/domain/torrent"
	apperrors "github.com/lyqingye/fetchd/pkg/errors"
)

type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient(baseURL, token string) *client {
	return &client{baseURL: strings.TrimSuffix(baseURL, "/"), token: token, http: http.DefaultClient}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type offlineDownloadTask struct {
	ID       string  `json:"id"`
	State    int     `json:"state"` // 0 pending, 1 running, 2 succeeded, 3 failed, 4 cancelled
	Progress float64 `json:"progress"`
	Name     string  `json:"name"`
	Error    string  `json:"error"`
}

func (c *client) addOfflineDownload(url, targetDir string) (string, error) {
	body := map[string]interface{}{
		"urls":        []string{url},
		"path":        targetDir,
		"tool":        "qBittorrent",
		"delete_policy": "delete_on_upload_succeed",
	}
	var data []struct {
		Tasks []offlineDownloadTask `json:"tasks"`
	}
	if err := c.post("/api/fs/add_offline_download", body, &data); err != nil {
		return "", err
	}
	if len(data) == 0 || len(data[0].Tasks) == 0 {
		return "", fmt.Errorf("alist returned no task for offline download")
	}
	return data[0].Tasks[0].ID, nil
}

func (c *client) taskInfo(id string) (*offlineDownloadTask, error) {
	var task offlineDownloadTask
	if err := c.post("/api/task/offline_download/info", map[string]interface{}{"tid": id}, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

type alistFile struct {
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"is_dir"`
	Sign  string `json:"sign"`
}

type alistListing struct {
	Content []alistFile `json:"content"`
}

func (c *client) listDir(dir string) ([]alistFile, error) {
	var listing alistListing
	if err := c.post("/api/fs/list", map[string]interface{}{"path": dir}, &listing); err != nil {
		return nil, err
	}
	return listing.Content, nil
}

func (c *client) fileDownloadURL(dir, name string) string {
	return c.baseURL + "/d" + dir + "/" + name
}

func (c *client) cancelTask(id string) error {
	return c.post("/api/task/offline_download/cancel", map[string]interface{}{"tid": id}, nil)
}

func (c *client) deleteTask(id string) error {
	return c.post("/api/task/offline_download/delete", map[string]interface{}{"tid": id}, nil)
}

func (c *client) post(endpoint string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest("POST", c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("decode alist response: %w", err)
	}
	if env.Code != 200 {
		return fmt.Errorf("alist error (%d): %s", env.Code, env.Message)
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

// Adapter drives offline downloads through a remote Alist instance,
// keyed by Alist's own task ID — Alist's offline-download API has no
// notion of info hash, so that task ID is the tid the core persists
// and passes back on every later call.
type Adapter struct {
	name      string
	client    *client
	targetDir string
	cfg       domaintask.Config
	log       *zap.Logger
}

// New builds an Adapter against an Alist instance at baseURL, storing
// downloaded files under targetDir (an Alist-side path).
func New(name, baseURL, token, targetDir string, cfg domaintask.Config, log *zap.Logger) *Adapter {
	cfg.DownloadDir = targetDir
	return &Adapter{
		name:      name,
		client:    newClient(baseURL, token),
		targetDir: targetDir,
		cfg:       cfg,
		log:       log.Named("alist").With(zap.String("adapter", name)),
	}
}

func (a *Adapter) Name() string              { return a.name }
func (a *Adapter) Priority() int             { return a.cfg.Priority }
func (a *Adapter) Config() domaintask.Config { return a.cfg }

func (a *Adapter) SupportsResourceType(kind domaintorrent.Kind) bool {
	return kind == domaintorrent.KindMagnet || kind == domaintorrent.KindTorrentURL
}

func (a *Adapter) RecommendedResourceType() domaintorrent.Kind { return domaintorrent.KindMagnet }

// AddTask lands the offline download under targetDir/dir and returns
// that resolved path as the opaque context blob, so a later ListFiles
// knows which directory to enumerate without the core ever parsing it.
func (a *Adapter) AddTask(ctx context.Context, resource domaintorrent.Resource, dir string) (string, string, error) {
	var url string
	switch resource.Kind() {
	case domaintorrent.KindMagnet:
		url = resource.Magnet()
	case domaintorrent.KindTorrentURL:
		url = resource.TorrentURL()
	default:
		return "", "", apperrors.New(apperrors.ErrorTypeUnsupportedResource, "alist adapter cannot add resource kind "+string(resource.Kind()))
	}

	dst := a.targetDir
	if dir != "" {
		dst = path.Join(a.targetDir, dir)
	}
	taskID, err := a.client.addOfflineDownload(url, dst)
	if err != nil {
		return "", "", apperrors.Wrap(apperrors.ErrorTypeAdapterTransient, "alist add offline download", err)
	}
	return taskID, dst, nil
}

// Pause is not supported by Alist's offline-download API; an in-flight
// task can only be cancelled, not paused and later resumed, so this is
// a permitted no-op that reports success.
func (a *Adapter) Pause(ctx context.Context, tid string) error {
	a.log.Debug("pause requested but not supported, ignoring", zap.String("tid", tid))
	return nil
}

// Resume mirrors Pause: a permitted no-op.
func (a *Adapter) Resume(ctx context.Context, tid string) error {
	a.log.Debug("resume requested but not supported, ignoring", zap.String("tid", tid))
	return nil
}

func (a *Adapter) Cancel(ctx context.Context, tid string) error {
	if err := a.client.cancelTask(tid); err != nil {
		return apperrors.Wrap(apperrors.ErrorTypeAdapterTransient, "alist cancel task", err)
	}
	return nil
}

// Remove tears down the offline-download task on the alist side. The
// target directory itself is left untouched either way; alist's own
// storage backend owns file lifecycle, so alsoRemoveFiles is not
// honored here — it only affects adapters that manage local disk.
func (a *Adapter) Remove(ctx context.Context, tid string, alsoRemoveFiles bool) error {
	if err := a.client.deleteTask(tid); err != nil {
		return apperrors.Wrap(apperrors.ErrorTypeAdapterTransient, "alist delete task", err)
	}
	return nil
}

func (a *Adapter) ListTasks(ctx context.Context, tids []string) ([]domaintask.RemoteTask, error) {
	out := make([]domaintask.RemoteTask, 0, len(tids))
	for _, tid := range tids {
		info, err := a.client.taskInfo(tid)
		if err != nil {
			a.log.Warn("alist task info failed", zap.String("tid", tid), zap.Error(err))
			continue
		}
		rt := domaintask.RemoteTask{Tid: tid, Status: mapState(info.State), ErrMsg: info.Error}
		if rt.Status == domaintask.RemoteStatusCompleted {
			rt.Result = a.targetDir + "/" + info.Name
		}
		out = append(out, rt)
	}
	return out, nil
}

// ListFiles lists the contents of the directory an offline download
// resolved into: opaqueContext carries the per-task destination path
// AddTask recorded, with the adapter-wide target dir as the fallback
// when no per-task path was recorded.
func (a *Adapter) ListFiles(ctx context.Context, tid string, opaqueContext string) ([]domaintask.FileEntry, error) {
	dir := a.targetDir
	if opaqueContext != "" {
		dir = opaqueContext
	}
	files, err := a.client.listDir(dir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrorTypeAdapterTransient, "alist list dir", err)
	}
	rel := strings.TrimPrefix(strings.TrimPrefix(dir, a.targetDir), "/")
	out := make([]domaintask.FileEntry, 0, len(files))
	for _, f := range files {
		out = append(out, domaintask.FileEntry{
			FileID:   path.Join(rel, f.Name),
			FileName: f.Name,
			FileSize: f.Size,
			IsDir:    f.IsDir,
		})
	}
	return out, nil
}

// DlFile builds Alist's public download link for fileID (a path
// relative to targetDir, as ListFiles returns it); the caller's client
// follows it directly.
func (a *Adapter) DlFile(ctx context.Context, fileID string, userAgent string) (domaintask.DlFileResult, error) {
	return domaintask.DlFileResult{
		URL:        a.client.fileDownloadURL(a.targetDir, fileID),
		AccessType: domaintask.AccessRedirect,
	}, nil
}

func mapState(state int) domaintask.RemoteStatus {
	switch state {
	case 2:
		return domaintask.RemoteStatusCompleted
	case 3:
		return domaintask.RemoteStatusFailed
	case 4:
		return domaintask.RemoteStatusCancelled
	default:
		return domaintask.RemoteStatusDownloading
	}
}
