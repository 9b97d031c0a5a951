package torrent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/lyqingye/fetchd/pkg/errors"
)

const testHash = "e93a1a84df5f95b0a350ef4c25b91c2c88adce4b"

func TestNewMagnetResourceExtractsInfoHash(t *testing.T) {
	r, err := NewMagnetResource("magnet:?xt=urn:btih:" + testHash)
	require.NoError(t, err)
	assert.Equal(t, KindMagnet, r.Kind())
	assert.Equal(t, testHash, r.InfoHash())
}

func TestNewMagnetResourceLowercasesHash(t *testing.T) {
	r, err := NewMagnetResource("magnet:?xt=urn:btih:" + strings.ToUpper(testHash) + "&dn=something")
	require.NoError(t, err)
	assert.Equal(t, testHash, r.InfoHash())
}

func TestNewMagnetResourceRejectsMissingHash(t *testing.T) {
	for _, magnet := range []string{
		"magnet:?dn=no-hash-here",
		"magnet:?xt=urn:btih:tooshort",
		"http://not-a-magnet.example/file.torrent",
		"",
	} {
		_, err := NewMagnetResource(magnet)
		require.Error(t, err, "magnet %q", magnet)
		var appErr *apperrors.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, apperrors.ErrorTypeParseFormat, appErr.Type)
	}
}

func TestNewInfoHashResourceValidatesShape(t *testing.T) {
	r, err := NewInfoHashResource(testHash)
	require.NoError(t, err)
	assert.Equal(t, KindInfoHash, r.Kind())
	assert.Equal(t, testHash, r.InfoHash())

	for _, bad := range []string{
		"",
		"e93a",                                      // too short
		testHash + "ff",                             // too long
		"g93a1a84df5f95b0a350ef4c25b91c2c88adce4b",  // non-hex
	} {
		_, err := NewInfoHashResource(bad)
		assert.Error(t, err, "hash %q", bad)
	}
}

func TestNewTorrentURLResourceKeepsURLAndHash(t *testing.T) {
	r, err := NewTorrentURLResource("https://mirror.example/foo.torrent", strings.ToUpper(testHash))
	require.NoError(t, err)
	assert.Equal(t, KindTorrentURL, r.Kind())
	assert.Equal(t, testHash, r.InfoHash(), "hash is canonicalized to lower case")
	assert.Equal(t, "https://mirror.example/foo.torrent", r.TorrentURL())
}

func TestNewTorrentFileResourceKeepsBytes(t *testing.T) {
	data := []byte("d8:announce0:e")
	r, err := NewTorrentFileResource(testHash, data)
	require.NoError(t, err)
	assert.Equal(t, KindTorrentFile, r.Kind())
	assert.Equal(t, data, r.TorrentFile())
}
