package direct

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"

	// Cover art origins commonly serve PNG.
	_ "image/png"

	"github.com/rip-stream/ripstream/internal/content"
	"github.com/rip-stream/ripstream/internal/logctx"
	"golang.org/x/image/draw"
)

const (
	// maxArtworkEdge bounds the long edge of stored and embedded artwork.
	maxArtworkEdge = 1200

	jpegQuality = 90
)

// fitJPEG decodes image bytes and re-encodes them as JPEG, scaling down so
// the long edge stays within maxEdge. Images already within bounds keep their
// pixels and only change container.
func fitJPEG(data []byte, maxEdge int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode artwork: %w", err)
	}

	img = scaleToFit(img, maxEdge)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode artwork: %w", err)
	}

	return buf.Bytes(), nil
}

func scaleToFit(img image.Image, maxEdge int) image.Image {
	bounds := img.Bounds()

	w, h := bounds.Dx(), bounds.Dy()
	if w <= maxEdge && h <= maxEdge {
		return img
	}

	if w >= h {
		h = h * maxEdge / w
		w = maxEdge
	} else {
		w = w * maxEdge / h
		h = maxEdge
	}

	if w < 1 {
		w = 1
	}

	if h < 1 {
		h = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)

	return dst
}

// normalizeArtwork rewrites a stored cover image as a bounded JPEG. Files
// already JPEG and within bounds are left untouched; non-JPEG payloads hiding
// behind a .jpg name get fixed up here. Other extensions are kept as served.
func normalizeArtwork(ctx context.Context, filePath string) error {
	ext := strings.ToLower(filepath.Ext(filePath))
	if ext != ".jpg" && ext != ".jpeg" {
		return nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read artwork: %w", err)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return &content.InvalidContentError{
			Filename: filepath.Base(filePath),
			Reason:   "artwork is not a decodable image",
			Err:      err,
		}
	}

	if format == "jpeg" && cfg.Width <= maxArtworkEdge && cfg.Height <= maxArtworkEdge {
		return nil
	}

	encoded, err := fitJPEG(data, maxArtworkEdge)
	if err != nil {
		return &content.InvalidContentError{
			Filename: filepath.Base(filePath),
			Reason:   "artwork could not be re-encoded",
			Err:      err,
		}
	}

	if err := os.WriteFile(filePath, encoded, 0644); err != nil {
		return fmt.Errorf("failed to rewrite artwork: %w", err)
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "normalized artwork",
		"file_path", filePath,
		"format", format,
		"width", cfg.Width,
		"height", cfg.Height)

	return nil
}
