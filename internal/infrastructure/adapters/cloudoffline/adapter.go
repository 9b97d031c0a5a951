// Package cloudoffline implements a task.Adapter for a cloud
// offline-download service (the shape of pan-115-style drives): task
// submission/polling resolves entirely server-side, and a completed
// task's file is exposed through a presigned S3-compatible URL rather
// than a local path.
package cloudoffline

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	domaintask "github.com/lyqingye/fetchd/internal/domain/task"
	domaintorrent "github.com/lyqingye/fetchd/internal/domain/torrent"
	apperrors "github.com/lyqingye/fetchd/pkg/errors"
)

// RemoteState is the offline-download service's own task status, as
// distinct from domaintask.RemoteStatus which this adapter maps it to.
type RemoteState string

const (
	RemoteStatePending RemoteState = "pending"
	RemoteStateRunning RemoteState = "running"
	RemoteStateDone    RemoteState = "done"
	RemoteStateFailed  RemoteState = "failed"
)

// RemoteTaskInfo is what the offline-download service reports for one
// submitted task.
type RemoteTaskInfo struct {
	State    RemoteState
	ErrMsg   string
	S3Key    string // valid once State == RemoteStateDone
}

// Service is the cloud offline-download provider's own control API —
// a pan-115-style drive's "add URL/magnet to offline task list"
// endpoint. It is distinct from S3 (S3 only exposes the resulting
// file once the service has finished fetching it server-side).
type Service interface {
	Submit(ctx context.Context, url string) (taskID string, err error)
	Info(ctx context.Context, taskIDs []string) (map[string]RemoteTaskInfo, error)
	Cancel(ctx context.Context, taskID string) error
}

// Adapter drives downloads through a cloud offline-download Service,
// with completed files pulled out of an S3-compatible bucket via a
// presigned URL rather than copied locally.
type Adapter struct {
	name     string
	service  Service
	s3Client *s3.PresignClient
	bucket   string
	cfg      domaintask.Config
	log      *zap.Logger
}

// New builds an Adapter. cfg should use a longer RetryMinInterval than
// the BT-backed adapters since offline tasks resolve server-side and
// do not benefit from frequent polling.
func New(name string, service Service, s3Client *s3.PresignClient, bucket string, cfg domaintask.Config, log *zap.Logger) *Adapter {
	return &Adapter{
		name:     name,
		service:  service,
		s3Client: s3Client,
		bucket:   bucket,
		cfg:      cfg,
		log:      log.Named("cloudoffline").With(zap.String("adapter", name)),
	}
}

func (a *Adapter) Name() string              { return a.name }
func (a *Adapter) Priority() int             { return a.cfg.Priority }
func (a *Adapter) Config() domaintask.Config { return a.cfg }

func (a *Adapter) SupportsResourceType(kind domaintorrent.Kind) bool {
	return kind == domaintorrent.KindMagnet || kind == domaintorrent.KindTorrentURL
}

// RecommendedResourceType is a magnet URI — the offline-download
// service resolves it server-side with no fetch required on this
// adapter's part, unlike a .torrent URL it would have to pass through.
func (a *Adapter) RecommendedResourceType() domaintorrent.Kind { return domaintorrent.KindMagnet }

// AddTask submits the resource's URL to the offline-download service.
// dir is ignored: the service resolves its own server-side layout and
// the result is addressed by S3 key, not by a caller-chosen directory.
func (a *Adapter) AddTask(ctx context.Context, resource domaintorrent.Resource, dir string) (string, string, error) {
	var url string
	switch resource.Kind() {
	case domaintorrent.KindMagnet:
		url = resource.Magnet()
	case domaintorrent.KindTorrentURL:
		url = resource.TorrentURL()
	default:
		return "", "", apperrors.New(apperrors.ErrorTypeUnsupportedResource, "cloudoffline adapter cannot add resource kind "+string(resource.Kind()))
	}

	taskID, err := a.service.Submit(ctx, url)
	if err != nil {
		return "", "", apperrors.Wrap(apperrors.ErrorTypeAdapterTransient, "cloudoffline submit", err)
	}
	return taskID, "", nil
}

// Pause is not meaningful for a cloud offline-download task: the
// remote service owns the fetch entirely once submitted. Permitted
// no-op that reports success.
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
	if err := a.service.Cancel(ctx, tid); err != nil {
		return apperrors.Wrap(apperrors.ErrorTypeAdapterTransient, "cloudoffline cancel", err)
	}
	return nil
}

// Remove cancels the remote fetch. The adapter only holds a presigned
// GET client for the result bucket, not delete permissions, so
// alsoRemoveFiles cannot be honored against the bucket object itself.
func (a *Adapter) Remove(ctx context.Context, tid string, alsoRemoveFiles bool) error {
	return a.Cancel(ctx, tid)
}

func (a *Adapter) ListTasks(ctx context.Context, tids []string) ([]domaintask.RemoteTask, error) {
	if len(tids) == 0 {
		return nil, nil
	}
	infos, err := a.service.Info(ctx, tids)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrorTypeAdapterTransient, "cloudoffline info", err)
	}

	out := make([]domaintask.RemoteTask, 0, len(infos))
	for taskID, info := range infos {
		rt := domaintask.RemoteTask{Tid: taskID, Status: mapState(info.State), ErrMsg: info.ErrMsg}
		if info.State == RemoteStateDone && info.S3Key != "" {
			rt.Result = info.S3Key
		}
		out = append(out, rt)
	}
	return out, nil
}

// ListFiles reports the single S3 object a completed task resolved
// to, recovered from the opaque context blob that would carry the S3
// key if this service surfaced one per file; since offline-download
// tasks here resolve to exactly one object, the key is looked up
// fresh from Info instead of trusting a stale context.
func (a *Adapter) ListFiles(ctx context.Context, tid string, opaqueContext string) ([]domaintask.FileEntry, error) {
	infos, err := a.service.Info(ctx, []string{tid})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrorTypeAdapterTransient, "cloudoffline info", err)
	}
	info, ok := infos[tid]
	if !ok || info.State != RemoteStateDone || info.S3Key == "" {
		return nil, nil
	}
	return []domaintask.FileEntry{{FileID: info.S3Key, FileName: info.S3Key}}, nil
}

// DlFile resolves fileID (an S3 key) into a short-lived presigned GET
// URL the caller's client fetches directly — a Redirect, since the
// bucket is reachable without this adapter forwarding bytes itself.
func (a *Adapter) DlFile(ctx context.Context, fileID string, userAgent string) (domaintask.DlFileResult, error) {
	req, err := a.s3Client.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &a.bucket,
		Key:    &fileID,
	}, s3.WithPresignExpires(15*time.Minute))
	if err != nil {
		return domaintask.DlFileResult{}, err
	}
	return domaintask.DlFileResult{URL: req.URL, AccessType: domaintask.AccessRedirect}, nil
}

func mapState(s RemoteState) domaintask.RemoteStatus {
	switch s {
	case RemoteStateDone:
		return domaintask.RemoteStatusCompleted
	case RemoteStateFailed:
		return domaintask.RemoteStatusFailed
	default:
		return domaintask.RemoteStatusDownloading
	}
}
