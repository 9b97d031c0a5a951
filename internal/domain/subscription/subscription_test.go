package subscription

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyqingye/fetchd/internal/domain/torrent"
)

func TestEffectiveEpisode(t *testing.T) {
	tests := []struct {
		name   string
		start  int
		parsed int
		want   int
	}{
		{"season numbered from 1, no correction", 1, 3, 3},
		{"unset start, no correction", 0, 3, 3},
		{"late-start season, release numbered from 1", 13, 1, 13},
		{"late-start season, mid-season release", 13, 5, 17},
		{"late-start season, release already absolute", 13, 14, 14},
		{"parsed equals start, no correction", 13, 13, 13},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Subscription{StartEpisodeNumber: tt.start}
			assert.Equal(t, tt.want, s.EffectiveEpisode(tt.parsed))
		})
	}
}

func TestNewValidates(t *testing.T) {
	_, err := New("", 42, 1, torrent.Filter{}, "", false, "", true)
	assert.Error(t, err)

	_, err = New("sub-42", 0, 1, torrent.Filter{}, "", false, "", true)
	assert.Error(t, err)

	sub, err := New("sub-42", 42, 1, torrent.Filter{Resolutions: "1080p"}, "Frieren", false, "qbittorrent", true)
	require.NoError(t, err)
	assert.Equal(t, "Frieren", sub.DownloadDir)
	assert.False(t, sub.Paused)
}

func TestPauseResumeRoundTrip(t *testing.T) {
	sub, err := New("sub-42", 42, 1, torrent.Filter{}, "", false, "", true)
	require.NoError(t, err)

	before := sub.UpdatedAt
	time.Sleep(time.Millisecond)
	sub.Pause()
	assert.True(t, sub.Paused)
	assert.True(t, sub.UpdatedAt.After(before))

	sub.Resume()
	assert.False(t, sub.Paused)
}

func TestEpisodeTaskLifecycle(t *testing.T) {
	et, err := NewEpisodeTask("sub-42-ep3", "sub-42", 3, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, EpisodeMissing, et.Status)

	et.MarkReady("a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2")
	assert.Equal(t, EpisodeReady, et.Status)
	assert.NotEmpty(t, et.ActiveInfoHash)

	et.MarkDownloading()
	assert.Equal(t, EpisodeDownloading, et.Status)

	et.MarkRetrying()
	assert.Equal(t, EpisodeRetrying, et.Status)

	et.MarkDownloaded()
	assert.Equal(t, EpisodeDownloaded, et.Status)

	et.MarkFailed()
	assert.Equal(t, EpisodeFailed, et.Status)

	et.Reset()
	assert.Equal(t, EpisodeMissing, et.Status)
	assert.Empty(t, et.ActiveInfoHash)
}
