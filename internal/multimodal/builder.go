// Package multimodal folds trigger attachments into the text an LLM node sees.
// Images are described once per run by the vision capability; other files are
// referenced as links.
package multimodal

import (
	"context"
	"log/slog"
	"strings"

	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/internal/llm"
	"github.com/rendis/flowengine/internal/logging"
	"github.com/rendis/flowengine/pkg/schema"
)

// Builder enriches user content with attachment descriptions.
type Builder struct {
	vision llm.Vision
	model  string
	logger *slog.Logger
}

// NewBuilder creates a Builder. vision may be nil, in which case images are
// listed without a description.
func NewBuilder(vision llm.Vision, model string, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{vision: vision, model: model, logger: logger}
}

// Enrich returns text unchanged when there are no attachments. Otherwise it
// appends non-image attachments as links and all images as a single block
// carrying the vision description. The vision capability is invoked at most
// once per run for a given set of images.
func (b *Builder) Enrich(ctx context.Context, ec *execution.Context, attachments []schema.Attachment, text string) (string, error) {
	if len(attachments) == 0 {
		return text, nil
	}

	var images, files []schema.Attachment
	for _, a := range attachments {
		if a.URL == "" {
			continue
		}
		if a.IsImage() {
			images = append(images, a)
		} else {
			files = append(files, a)
		}
	}

	var sb strings.Builder
	sb.WriteString(text)

	for _, f := range files {
		sb.WriteString("\n[")
		sb.WriteString(f.DisplayName())
		sb.WriteString("](")
		sb.WriteString(f.URL)
		sb.WriteString(")")
	}

	if len(images) == 0 {
		return sb.String(), nil
	}

	desc, err := b.describe(ctx, ec, images, text)
	if err != nil {
		return "", err
	}

	sb.WriteString("\n<images>\n")
	for _, img := range images {
		sb.WriteString("![")
		sb.WriteString(img.DisplayName())
		sb.WriteString("](")
		sb.WriteString(img.URL)
		sb.WriteString(")\n")
	}
	if desc != "" {
		sb.WriteString("description: ")
		sb.WriteString(desc)
		sb.WriteString("\n")
	}
	sb.WriteString("</images>")
	return sb.String(), nil
}

func (b *Builder) describe(ctx context.Context, ec *execution.Context, images []schema.Attachment, intent string) (string, error) {
	if b.vision == nil {
		logging.LogWith(ctx, b.logger).WarnContext(ctx, "images attached but no vision capability configured",
			slog.Int("images", len(images)))
		return "", nil
	}

	urls := make([]string, len(images))
	for i, img := range images {
		urls[i] = img.URL
	}

	v, err := ec.Once("vision:"+strings.Join(urls, "|"), func() (any, error) {
		return b.vision.Analyze(ctx, urls, intent, b.model)
	})
	if err != nil {
		return "", schema.Upstream("vision", err)
	}
	desc, _ := v.(string)
	return desc, nil
}
