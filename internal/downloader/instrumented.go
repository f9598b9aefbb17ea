package downloader

import (
	"context"

	"github.com/rip-stream/ripstream/internal/content"
	"github.com/rip-stream/ripstream/internal/telemetry"
)

// InstrumentedProvider wraps a content.Provider with telemetry.
type InstrumentedProvider struct {
	provider content.Provider
	tel      *telemetry.Telemetry
}

// NewInstrumentedProvider creates a new instrumented source provider.
func NewInstrumentedProvider(provider content.Provider, tel *telemetry.Telemetry) *InstrumentedProvider {
	return &InstrumentedProvider{
		provider: provider,
		tel:      tel,
	}
}

// SourceName returns the wrapped provider's source name.
func (p *InstrumentedProvider) SourceName() string {
	return p.provider.SourceName()
}

// SupportedContentTypes returns the wrapped provider's supported types.
func (p *InstrumentedProvider) SupportedContentTypes() []content.Type {
	return p.provider.SupportedContentTypes()
}

// Authenticate authenticates against the source with telemetry.
func (p *InstrumentedProvider) Authenticate(ctx context.Context, credentials map[string]string) (bool, error) {
	var ok bool

	err := p.tel.InstrumentSourceOperation(ctx, p.provider.SourceName(), "authenticate", func(ctx context.Context) error {
		var err error
		ok, err = p.provider.Authenticate(ctx, credentials)

		return err
	})

	return ok, err
}

// GetDownloadInfo resolves a content descriptor with telemetry.
func (p *InstrumentedProvider) GetDownloadInfo(ctx context.Context, contentID string) (*content.Content, error) {
	var item *content.Content

	instrumentedErr := p.tel.InstrumentSourceOperation(ctx, p.provider.SourceName(), "info", func(ctx context.Context) error {
		var err error
		item, err = p.provider.GetDownloadInfo(ctx, contentID)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return item, nil
}

// FetchBytes transfers the item's bytes with telemetry.
func (p *InstrumentedProvider) FetchBytes(ctx context.Context, item *content.Content, destPath string, onChunk func(downloaded int64)) error {
	return p.tel.InstrumentSourceOperation(ctx, p.provider.SourceName(), "fetch", func(ctx context.Context) error {
		return p.provider.FetchBytes(ctx, item, destPath, onChunk)
	})
}

// PostProcess runs the provider's post-processing hook with telemetry.
func (p *InstrumentedProvider) PostProcess(ctx context.Context, item *content.Content, filePath string) error {
	return p.tel.InstrumentSourceOperation(ctx, p.provider.SourceName(), "post_process", func(ctx context.Context) error {
		return p.provider.PostProcess(ctx, item, filePath)
	})
}
