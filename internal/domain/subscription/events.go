package subscription

import (
	"github.com/google/uuid"

	domainevents "github.com/lyqingye/fetchd/internal/domain/events"
)

// Subscribed is emitted when a Subscription is created or resumed and
// its worker (re)spawned.
type Subscribed struct {
	domainevents.BaseEvent
	BangumiID int64 `json:"bangumi_id"`
}

// NewSubscribed builds a Subscribed event for s.
func NewSubscribed(s *Subscription) *Subscribed {
	return &Subscribed{
		BaseEvent: domainevents.NewBaseEvent(subscriptionAggregateID(s.ID), "Subscription", "Subscribed", 1),
		BangumiID: s.BangumiID,
	}
}

// Unsubscribed is emitted when a Subscription is paused; its worker is
// stopped but existing episode tasks are left untouched.
type Unsubscribed struct {
	domainevents.BaseEvent
}

// NewUnsubscribed builds an Unsubscribed event for s.
func NewUnsubscribed(s *Subscription) *Unsubscribed {
	return &Unsubscribed{
		BaseEvent: domainevents.NewBaseEvent(subscriptionAggregateID(s.ID), "Subscription", "Unsubscribed", 1),
	}
}

// EpisodeDownloadedEvent is emitted when an episode's active task completes,
// the user-visible "your episode is ready" notification.
type EpisodeDownloadedEvent struct {
	domainevents.BaseEvent
	EpisodeNumber int    `json:"episode_number"`
	InfoHash      string `json:"info_hash"`
}

// NewEpisodeDownloaded builds an EpisodeDownloaded event for et.
func NewEpisodeDownloaded(et *EpisodeTask) *EpisodeDownloadedEvent {
	return &EpisodeDownloadedEvent{
		BaseEvent:     domainevents.NewBaseEvent(subscriptionAggregateID(et.SubscriptionID), "Subscription", "EpisodeDownloaded", 1),
		EpisodeNumber: et.EpisodeNumber,
		InfoHash:      et.ActiveInfoHash,
	}
}

func subscriptionAggregateID(id string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id))
}
