// Package direct serves content addressed by plain HTTP(S) URLs. The content
// ID is the URL itself and metadata comes from response headers: resolution
// is a HEAD request, fetching streams through the shared session client into
// a staging file, and post-processing covers ID3 tagging and artwork
// re-encoding.
package direct

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rip-stream/ripstream/internal/config"
	"github.com/rip-stream/ripstream/internal/content"
	"github.com/rip-stream/ripstream/internal/logctx"
	"github.com/rip-stream/ripstream/internal/progress"
	"github.com/rip-stream/ripstream/internal/session"
)

// SourceName identifies this provider in configuration, session pooling and
// queue tasks.
const SourceName = "direct"

// Metadata keys PostProcess understands on items from this source.
const (
	MetaArtworkURL  = "artwork_url"
	MetaAlbumArtist = "album_artist"
	MetaTrackNumber = "track_number"
	MetaReleaseYear = "release_year"
)

// Provider fetches content from arbitrary http(s) origins through the
// session manager's pooled client. A bearer token, custom headers and
// behavior overrides for the "direct" source apply to every request it makes.
type Provider struct {
	cfg      *config.Config
	sessions *session.Manager
}

func NewProvider(cfg *config.Config, sessions *session.Manager) *Provider {
	return &Provider{cfg: cfg, sessions: sessions}
}

func (p *Provider) SourceName() string { return SourceName }

func (p *Provider) SupportedContentTypes() []content.Type {
	return []content.Type{content.TypeTrack, content.TypeArtwork}
}

// Authenticate always succeeds: plain URLs carry no account to verify. When
// the operator configured a bearer token the session layer stamps it onto
// every request already; credentials passed here are ignored.
func (p *Provider) Authenticate(ctx context.Context, _ map[string]string) (bool, error) {
	logctx.LoggerFromContext(ctx).DebugContext(ctx, "direct source needs no authentication",
		"token_configured", p.cfg.TokenFor(SourceName) != "")

	return true, nil
}

// GetDownloadInfo resolves a URL into a content descriptor using a HEAD
// request: file name from Content-Disposition (falling back to the URL path),
// expected size from Content-Length, content type classification and an md5
// digest when the origin sends Content-MD5. Origins that reject HEAD degrade
// to what the URL alone tells us.
func (p *Provider) GetDownloadInfo(ctx context.Context, contentID string) (*content.Content, error) {
	logger := logctx.LoggerFromContext(ctx)

	u, err := url.Parse(contentID)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, &content.InvalidContentError{
			Filename: contentID,
			Reason:   "content ID must be an absolute http(s) URL",
			Err:      err,
		}
	}

	item := &content.Content{
		ID:       contentID,
		Source:   SourceName,
		Type:     content.TypeTrack,
		URL:      contentID,
		FileName: fileNameFromPath(u.Path),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, contentID, nil)
	if err != nil {
		return nil, &content.NetworkError{Operation: "resolve_content", APIMessage: err.Error(), Err: err}
	}

	resp, err := p.sessions.GetSession(SourceName).Do(req)
	if err != nil {
		return nil, mapTransportError("resolve_content", err)
	}
	defer resp.Body.Close()

	// Plenty of origins only implement GET; resolve from the URL alone and
	// let the fetch discover the rest.
	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		logger.DebugContext(ctx, "origin does not support HEAD, resolving from URL only", "url", contentID)
		item.FileExtension = filepath.Ext(item.FileName)

		return item, nil
	}

	if err := statusError(resp, "resolve_content", contentID); err != nil {
		return nil, err
	}

	if name := dispositionFileName(resp.Header.Get("Content-Disposition")); name != "" {
		item.FileName = name
	}

	if resp.ContentLength > 0 {
		item.ExpectedSize = resp.ContentLength
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		item.Type = classify(ct)
		item.Metadata = map[string]string{"content_type": ct}
	}

	// Content-MD5 (RFC 1864) is the one integrity header generic origins
	// send; when present it feeds checksum validation downstream.
	if sum, err := base64.StdEncoding.DecodeString(resp.Header.Get("Content-MD5")); err == nil && len(sum) == 16 {
		item.Checksum = hex.EncodeToString(sum)
		item.ChecksumAlgorithm = "md5"
	}

	item.FileExtension = filepath.Ext(item.FileName)
	if item.FileExtension == "" {
		item.FileExtension = extensionFor(item.Meta("content_type"))
	}

	return item, nil
}

// FetchBytes downloads the item's URL into destPath, staging the body under a
// partial suffix and renaming into place only after the stream completed. The
// progress callback reports cumulative bytes at the configured chunk
// granularity.
func (p *Provider) FetchBytes(ctx context.Context, item *content.Content, destPath string, onChunk func(downloaded int64)) error {
	logger := logctx.LoggerFromContext(ctx)

	fetchURL := item.URL
	if fetchURL == "" {
		fetchURL = item.ID
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return &content.InvalidContentError{Filename: item.ID, Reason: "could not build fetch request", Err: err}
	}

	resp, err := p.sessions.GetSession(SourceName).Do(req)
	if err != nil {
		return mapTransportError("fetch_bytes", err)
	}
	defer resp.Body.Close()

	if err := statusError(resp, "fetch_bytes", item.ID); err != nil {
		return err
	}

	total := item.ExpectedSize
	if resp.ContentLength > 0 && resp.ContentLength != total {
		// The origin's word beats the resolver's; the engine picks the
		// refinement up through the progress callback.
		total = resp.ContentLength
		item.ExpectedSize = total
	}

	stagingPath := destPath + content.PartialSuffix

	dst, err := os.Create(stagingPath)
	if err != nil {
		return &content.DirectoryError{
			DirectoryName: filepath.Dir(destPath),
			Reason:        "could not create staging file",
			Err:           err,
		}
	}

	reader := progress.NewReader(resp.Body, total, p.cfg.BehaviorFor(SourceName).ChunkSize, func(written, _ int64) {
		if onChunk != nil {
			onChunk(written)
		}
	})

	if _, err := io.Copy(dst, reader); err != nil {
		dst.Close()
		p.discardStaging(ctx, stagingPath)

		return mapTransportError("fetch_bytes", err)
	}

	if err := dst.Close(); err != nil {
		p.discardStaging(ctx, stagingPath)

		return fmt.Errorf("failed to flush staging file: %w", err)
	}

	if err := os.Rename(stagingPath, destPath); err != nil {
		p.discardStaging(ctx, stagingPath)

		return &content.DirectoryError{
			DirectoryName: filepath.Dir(destPath),
			Reason:        "could not move staged download into place",
			Err:           err,
		}
	}

	logger.DebugContext(ctx, "fetched content",
		"url", fetchURL,
		"bytes", reader.BytesRead(),
		"file_path", destPath)

	return nil
}

// PostProcess finishes a stored file: mp3 tracks get ID3 frames plus embedded
// cover art when the item points at some, artwork files are normalized to a
// bounded JPEG. Anything else passes through untouched.
func (p *Provider) PostProcess(ctx context.Context, item *content.Content, filePath string) error {
	logger := logctx.LoggerFromContext(ctx)

	switch {
	case item.Type == content.TypeArtwork:
		return normalizeArtwork(ctx, filePath)
	case strings.EqualFold(filepath.Ext(filePath), ".mp3"):
		var cover []byte

		if artworkURL := item.Meta(MetaArtworkURL); artworkURL != "" {
			data, err := p.fetchArtwork(ctx, artworkURL)
			if err != nil {
				// Cover art is decoration; a missing cover never fails the track.
				logger.WarnContext(ctx, "failed to fetch cover art", "artwork_url", artworkURL, "err", err)
			} else {
				cover = data
			}
		}

		return writeTags(item, filePath, cover)
	default:
		return nil
	}
}

// maxArtworkBytes caps how much cover art we are willing to pull into memory.
const maxArtworkBytes = 20 * 1024 * 1024

// fetchArtwork pulls cover art over the same session client and normalizes it
// to an embeddable JPEG.
func (p *Provider) fetchArtwork(ctx context.Context, artworkURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, artworkURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build artwork request: %w", err)
	}

	resp, err := p.sessions.GetSession(SourceName).Do(req)
	if err != nil {
		return nil, mapTransportError("fetch_artwork", err)
	}
	defer resp.Body.Close()

	if err := statusError(resp, "fetch_artwork", artworkURL); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArtworkBytes+1))
	if err != nil {
		return nil, mapTransportError("fetch_artwork", err)
	}

	if len(data) > maxArtworkBytes {
		return nil, &content.InvalidContentError{
			Filename: artworkURL,
			Reason:   fmt.Sprintf("artwork exceeds the %d byte limit", maxArtworkBytes),
		}
	}

	return fitJPEG(data, maxArtworkEdge)
}

func (p *Provider) discardStaging(ctx context.Context, stagingPath string) {
	if err := os.Remove(stagingPath); err != nil && !os.IsNotExist(err) {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to remove staging file",
			"file_path", stagingPath, "err", err)
	}
}

// statusError maps a non-2xx response onto the engine's error taxonomy.
func statusError(resp *http.Response, operation, contentID string) error {
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return nil
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &content.AuthenticationError{Source: SourceName}
	case http.StatusNotFound, http.StatusGone:
		return &content.ContentNotFoundError{ContentID: contentID, Source: SourceName}
	case http.StatusRequestTimeout:
		return &content.TimeoutError{Operation: operation}
	case http.StatusTooManyRequests:
		return &content.RateLimitError{Source: SourceName, RetryAfter: retryAfter(resp.Header.Get("Retry-After"))}
	default:
		return &content.NetworkError{
			Operation:  operation,
			StatusCode: resp.StatusCode,
			APIMessage: resp.Status,
		}
	}
}

// mapTransportError classifies client-side failures: deadline overruns become
// timeouts, everything else a network fault. Cancellation passes through
// untouched so the engine can tell an aborted download from a failed one.
func mapTransportError(operation string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &content.TimeoutError{Operation: operation, Err: err}
	}

	return &content.NetworkError{Operation: operation, APIMessage: err.Error(), Err: err}
}

// retryAfter parses a Retry-After header, which carries either a delay in
// seconds or an HTTP date.
func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}

	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}

	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}

	return 0
}

func dispositionFileName(header string) string {
	if header == "" {
		return ""
	}

	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}

	// Strip any path the origin smuggled in.
	return fileNameFromPath(params["filename"])
}

func fileNameFromPath(p string) string {
	name := path.Base(p)
	if name == "/" || name == "." {
		return ""
	}

	return name
}

func classify(contentType string) content.Type {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return content.TypeTrack
	}

	if strings.HasPrefix(mt, "image/") {
		return content.TypeArtwork
	}

	return content.TypeTrack
}

// extensionFor covers the content types this provider actually serves;
// everything else keeps whatever the URL carried.
func extensionFor(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}

	switch mt {
	case "audio/mpeg":
		return ".mp3"
	case "audio/flac", "audio/x-flac":
		return ".flac"
	case "audio/ogg":
		return ".ogg"
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	}

	return ""
}
