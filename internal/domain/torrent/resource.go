// Package torrent holds the domain types describing a downloadable
// torrent resource, its parsed release attributes, and the selection
// logic that picks one resource out of many candidates.
package torrent

import (
	"regexp"
	"strings"

	apperrors "github.com/lyqingye/fetchd/pkg/errors"
)

// Kind discriminates the concrete variant carried by a Resource.
type Kind string

const (
	// KindMagnet is a magnet URI resource; InfoHash is extracted from it.
	KindMagnet Kind = "magnet"
	// KindTorrentURL is an http(s) URL to a .torrent file. InfoHash must
	// be supplied separately (it cannot be derived without fetching).
	KindTorrentURL Kind = "torrent_url"
	// KindTorrentFile is raw .torrent file bytes already in hand.
	KindTorrentFile Kind = "torrent_file"
	// KindInfoHash is a bare info hash with no tracker/magnet metadata;
	// only adapters that resolve content purely from DHT (or that key
	// their remote API by hash directly, e.g. a cloud offline-download
	// service) can act on it.
	KindInfoHash Kind = "info_hash"
)

var infoHashPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

var magnetInfoHashPattern = regexp.MustCompile(`(?i)magnet:\?xt=urn:btih:([0-9a-fA-F]{40})(&|$)`)

// Resource is the tagged-variant value object identifying a piece of
// torrent content independent of how it will be fetched. It is
// immutable once constructed; the only derived, canonical identity is
// InfoHash, always lower-cased 40 hex characters.
type Resource struct {
	kind        Kind
	infoHash    string
	magnet      string
	torrentURL  string
	torrentFile []byte
}

// NewMagnetResource builds a Resource from a magnet URI, deriving the
// info hash from the btih parameter.
func NewMagnetResource(magnet string) (Resource, error) {
	m := magnetInfoHashPattern.FindStringSubmatch(magnet)
	if m == nil {
		return Resource{}, apperrors.New(apperrors.ErrorTypeParseFormat, "magnet link has no btih info hash")
	}
	return Resource{
		kind:     KindMagnet,
		infoHash: strings.ToLower(m[1]),
		magnet:   magnet,
	}, nil
}

// NewTorrentURLResource builds a Resource from a direct .torrent URL.
// The caller must already know the info hash (e.g. from a search
// result's metadata) since it cannot be derived without downloading
// the file.
func NewTorrentURLResource(url, infoHash string) (Resource, error) {
	if err := validateInfoHash(infoHash); err != nil {
		return Resource{}, err
	}
	return Resource{
		kind:       KindTorrentURL,
		infoHash:   strings.ToLower(infoHash),
		torrentURL: url,
	}, nil
}

// NewTorrentFileResource builds a Resource from raw .torrent bytes
// already resident in memory (e.g. reconstructed from storage for a
// retry).
func NewTorrentFileResource(infoHash string, data []byte) (Resource, error) {
	if err := validateInfoHash(infoHash); err != nil {
		return Resource{}, err
	}
	return Resource{
		kind:        KindTorrentFile,
		infoHash:    strings.ToLower(infoHash),
		torrentFile: data,
	}, nil
}

// NewInfoHashResource builds a bare info-hash Resource, with no magnet
// or torrent-file payload attached — only adapters that can resolve
// content from the hash alone (DHT metadata fetch, or a remote service
// that accepts a hash directly) can act on it.
func NewInfoHashResource(infoHash string) (Resource, error) {
	if err := validateInfoHash(infoHash); err != nil {
		return Resource{}, err
	}
	return Resource{kind: KindInfoHash, infoHash: strings.ToLower(infoHash)}, nil
}

func validateInfoHash(hash string) error {
	if !infoHashPattern.MatchString(strings.ToLower(hash)) {
		return apperrors.New(apperrors.ErrorTypeParseFormat, "info hash must be 40 lowercase hex characters")
	}
	return nil
}

// Kind returns the resource's variant tag.
func (r Resource) Kind() Kind { return r.kind }

// InfoHash returns the canonical, lower-cased 40 hex character info hash.
func (r Resource) InfoHash() string { return r.infoHash }

// Magnet returns the magnet URI, valid only when Kind() == KindMagnet.
func (r Resource) Magnet() string { return r.magnet }

// TorrentURL returns the torrent file URL, valid only when
// Kind() == KindTorrentURL.
func (r Resource) TorrentURL() string { return r.torrentURL }

// TorrentFile returns the raw torrent bytes, valid only when
// Kind() == KindTorrentFile.
func (r Resource) TorrentFile() []byte { return r.torrentFile }
