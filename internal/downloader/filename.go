package downloader

import (
	"path/filepath"
	"strings"

	"github.com/rip-stream/ripstream/internal/content"
)

const maxFileNameLength = 255

// targetFileName derives the on-disk name for an item, preferring the
// provider-declared file name and appending the declared extension when the
// name does not already carry it.
func targetFileName(item *content.Content) string {
	name := item.FileName
	if name == "" {
		name = item.DisplayName()
	}

	if name == "" {
		name = item.ID
	}

	ext := content.NormalizeExtension(item.FileExtension)
	if ext != "" && !strings.EqualFold(filepath.Ext(name), ext) {
		name += ext
	}

	return name
}

// safeFileName renders name safe for the local filesystem: separators and
// characters that are invalid on common filesystems become underscores, and
// overlong names are truncated while keeping their extension.
func safeFileName(name string) string {
	var b strings.Builder
	b.Grow(len(name))

	for _, r := range name {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' || r == '"' || r == '<' || r == '>' || r == '|':
			b.WriteRune('_')
		case r < 0x20 || r == 0x7f:
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}

	out := strings.TrimSpace(b.String())
	if out == "" || out == "." || out == ".." {
		return "_"
	}

	if len(out) > maxFileNameLength {
		ext := filepath.Ext(out)
		if len(ext) >= maxFileNameLength {
			ext = ""
		}

		// Byte-level truncation may split a multi-byte rune; drop the
		// broken tail instead of emitting invalid UTF-8.
		out = strings.ToValidUTF8(out[:maxFileNameLength-len(ext)], "") + ext
	}

	return out
}
