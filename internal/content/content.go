// Package content defines the descriptors exchanged between source providers
// and the download engine, together with the error taxonomy every provider
// maps its failures onto.
package content

import (
	"context"
	"strings"
	"time"
)

// PartialSuffix marks in-flight staging files. Providers download to
// name+PartialSuffix and rename into place on success; the cleanup sweeper
// reaps orphaned ones.
const PartialSuffix = ".part"

// Type classifies what a piece of downloadable content is.
type Type string

const (
	TypeTrack    Type = "track"
	TypeAlbum    Type = "album"
	TypeArtist   Type = "artist"
	TypePlaylist Type = "playlist"
	TypeArtwork  Type = "artwork"
)

// Provider is implemented once per content source. The engine stays agnostic
// of how a source authenticates, resolves or transfers bytes; it only drives
// these callbacks.
type Provider interface {
	SourceName() string
	SupportedContentTypes() []Type
	Authenticate(ctx context.Context, credentials map[string]string) (bool, error)
	GetDownloadInfo(ctx context.Context, contentID string) (*Content, error)
	FetchBytes(ctx context.Context, item *Content, destPath string, onChunk func(downloaded int64)) error
	PostProcess(ctx context.Context, item *Content, filePath string) error
}

// Content describes a single downloadable item as resolved by a provider.
// Fields are populated once and treated as read-only afterwards, with one
// exception: FetchBytes may refine ExpectedSize when the origin only reveals
// the size once the transfer starts.
type Content struct {
	ID                string
	Source            string
	Type              Type
	Title             string
	Artist            string
	Album             string
	URL               string
	FileName          string
	FileExtension     string
	ExpectedSize      int64 // 0 when the provider could not determine it
	Checksum          string
	ChecksumAlgorithm string
	Metadata          map[string]string
}

// DisplayName returns the human-facing name of the item.
func (c *Content) DisplayName() string {
	if c.Title != "" {
		if c.Artist != "" {
			return c.Artist + " - " + c.Title
		}
		return c.Title
	}
	return c.FileName
}

// SizeKnown reports whether the provider declared an expected byte size.
func (c *Content) SizeKnown() bool {
	return c.ExpectedSize > 0
}

// ChecksumDeclared reports whether the item carries an integrity digest.
func (c *Content) ChecksumDeclared() bool {
	return c.Checksum != "" && c.ChecksumAlgorithm != ""
}

// Meta returns the metadata value for key, or the empty string.
func (c *Content) Meta(key string) string {
	if c.Metadata == nil {
		return ""
	}
	return c.Metadata[key]
}

// Result is the terminal record of one download run. Download never reports
// failures through an error return; they land here instead.
type Result struct {
	DownloadID   string
	ContentID    string
	Success      bool
	FilePath     string
	FileSize     int64
	Checksum     string
	Duration     time.Duration
	AverageSpeed float64 // bytes per second over the whole run
	ErrorMessage string
	RetryCount   int
	Metadata     map[string]string
}

// Skipped reports whether the run was short-circuited because the
// destination already held a valid copy.
func (r *Result) Skipped() bool {
	return r.Metadata["skipped"] == "true"
}

// Cancelled reports whether the run was aborted by its caller rather than
// failing on its own.
func (r *Result) Cancelled() bool {
	return r.Metadata["cancelled"] == "true"
}

// SetMeta records a key/value pair on the result, allocating the map lazily.
func (r *Result) SetMeta(key, value string) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]string)
	}
	r.Metadata[key] = value
}

// NormalizeExtension lower-cases ext and guarantees a single leading dot so
// that provider-supplied extensions join cleanly with file names.
func NormalizeExtension(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return ""
	}
	return "." + strings.TrimLeft(ext, ".")
}
