// Package objectstore defines the pluggable storage interface that backs
// rendition artifacts (HLS playlists and MPEG-TS segments), with a local
// filesystem implementation and an S3-compatible implementation.
package objectstore

import (
	"context"
	"errors"
	"io"
	"strconv"
	"time"
)

// ErrNotExist is returned when a key has no corresponding object.
var ErrNotExist = errors.New("objectstore: object does not exist")

// ObjectInfo describes a stored object without fetching its body.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// Store is the capability set every storage backend implements. Keys are
// slash-separated paths rooted at a provider-specific base, e.g.
// "bit_transcode/{chapter_id}/{bitrate}k/playlist.m3u8".
type Store interface {
	// Put writes body to key, inferring ContentType from contentType if
	// non-empty.
	Put(ctx context.Context, key string, body io.Reader, contentType string) error

	// Get opens key for reading. The caller must close the returned
	// reader. Returns ErrNotExist if key is absent.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns every object whose key has the given prefix. The local
	// provider treats prefix as a directory path and lists the objects
	// beneath it, so it matches whole path segments only.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// URL returns a client-facing URL for key. For the local provider this
	// is the configured base URL joined with key; the streaming API has no
	// route that serves it. For S3 it is a public or CDN-fronted URL.
	URL(key string) string

	// Copy duplicates srcKey to dstKey within the same backend.
	Copy(ctx context.Context, srcKey, dstKey string) error

	// Move relocates srcKey to dstKey, removing the source on success.
	Move(ctx context.Context, srcKey, dstKey string) error

	// Stat returns metadata about key without fetching its body.
	Stat(ctx context.Context, key string) (ObjectInfo, error)

	// Ping verifies the backend is reachable, used by readiness probes.
	Ping(ctx context.Context) error
}

// RenditionKey builds the storage key for a bitrate rendition's playlist or
// segment: "bit_transcode/{chapter_id}/{bitrate}k/{filename}".
func RenditionKey(chapterID string, bitrate int, filename string) string {
	return "bit_transcode/" + chapterID + "/" + strconv.Itoa(bitrate) + "k/" + filename
}

// RenditionPrefix builds the storage prefix under which a bitrate
// rendition's playlist and segments live, for use with Store.List.
func RenditionPrefix(chapterID string, bitrate int) string {
	return "bit_transcode/" + chapterID + "/" + strconv.Itoa(bitrate) + "k"
}

// MasterPlaylistKey builds the storage key for a chapter's master playlist.
func MasterPlaylistKey(chapterID string) string {
	return "bit_transcode/" + chapterID + "/master.m3u8"
}
