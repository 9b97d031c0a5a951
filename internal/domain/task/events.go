package task

import (
	"time"

	"github.com/google/uuid"

	domainevents "github.com/lyqingye/fetchd/internal/domain/events"
)

// Created is emitted when a task is first persisted in StatusPending.
type Created struct {
	domainevents.BaseEvent
	EpisodeTaskID string `json:"episode_task_id"`
}

// NewCreated builds a Created event for t.
func NewCreated(t *Task) *Created {
	return &Created{
		BaseEvent:     domainevents.NewBaseEvent(taskAggregateID(t), "TorrentDownloadTask", "TaskCreated", 1),
		EpisodeTaskID: t.EpisodeTaskID(),
	}
}

// Updated is emitted on every state transition the actor performs. It
// doubles as the payload of the outward-facing TaskUpdated broadcast
// described by the engine's external interface; EpisodeTaskID lets a
// subscriber resolve which episode the transition belongs to without a
// task lookup.
type Updated struct {
	domainevents.BaseEvent
	InfoHash      string    `json:"info_hash"`
	EpisodeTaskID string    `json:"episode_task_id,omitempty"`
	Status        Status    `json:"status"`
	Downloader    string    `json:"downloader"`
	ErrMsg        string    `json:"err_msg,omitempty"`
	RetryCount    int       `json:"retry_count"`
	Result        string    `json:"result,omitempty"`
	At            time.Time `json:"at"`
}

// NewUpdated builds an Updated event reflecting t's current state.
func NewUpdated(t *Task) *Updated {
	return &Updated{
		BaseEvent:     domainevents.NewBaseEvent(taskAggregateID(t), "TorrentDownloadTask", "TaskUpdated", 1),
		InfoHash:      t.InfoHash(),
		EpisodeTaskID: t.EpisodeTaskID(),
		Status:        t.Status(),
		Downloader:    t.Downloader(),
		ErrMsg:        t.ErrMsg(),
		RetryCount:    t.RetryCount(),
		Result:        t.Result(),
		At:            t.UpdatedAt(),
	}
}

// taskAggregateID derives a stable UUID from a task's info hash so it
// can be used as the event aggregate ID without the domain needing to
// mint and persist a separate surrogate key for every task.
func taskAggregateID(t *Task) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(t.InfoHash()))
}
