// Package ocr turns a batch of images into one compiled text by submitting
// each image to a text recognition service.
//
// Images are processed strictly one after another. The first failed call
// aborts the batch; an image that yields no text is noted with a placeholder
// line and does not.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/lectora/internal/observe"
)

// noTextLine is the placeholder used for images without recognized text.
const noTextLine = "[no text recognized]"

var (
	// ErrEmptyBatch is returned when Run is called without images.
	ErrEmptyBatch = errors.New("ocr: no images supplied")
	// ErrNoText is returned when every image was processed but none yielded
	// text.
	ErrNoText = errors.New("ocr: no image returned text")
)

// ImageError reports the failure of a single recognition call. Index is
// 1-based.
type ImageError struct {
	Index int
	Err   error
}

func (e *ImageError) Error() string {
	return fmt.Sprintf("ocr: image %d: %v", e.Index, e.Err)
}

func (e *ImageError) Unwrap() error { return e.Err }

// Endpoint holds the recognition service location and credentials. Values
// are opaque to this package.
type Endpoint struct {
	URL    string
	AppID  string
	AppKey string
}

// Recognizer performs one recognition call. index is 1-based and only used
// for labeling.
type Recognizer interface {
	Recognize(ctx context.Context, ep Endpoint, img Image, index int) (string, error)
}

// Result is the outcome of a successful batch.
type Result struct {
	// Text is the per-image lines joined by blank lines, in input order.
	Text string
	// Recognized counts images that produced text.
	Recognized int
	// Total is the batch size.
	Total int
}

// Option configures a [Processor].
type Option func(*Processor)

// WithProgress registers a callback invoked before each image is submitted.
func WithProgress(fn func(index, total int)) Option {
	return func(p *Processor) { p.progress = fn }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// Processor runs OCR over image batches.
type Processor struct {
	rec      Recognizer
	progress func(index, total int)
	metrics  *observe.Metrics
}

// NewProcessor returns a processor that submits images through rec.
func NewProcessor(rec Recognizer, opts ...Option) *Processor {
	p := &Processor{rec: rec}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Run recognizes images in order. It returns an [*ImageError] for the first
// failing image (later images are not attempted), [ErrNoText] when no image
// produced text, or the context error when ctx ends between images.
func (p *Processor) Run(ctx context.Context, ep Endpoint, images []Image) (Result, error) {
	if len(images) == 0 {
		return Result{}, ErrEmptyBatch
	}
	log := observe.Logger(ctx)

	res := Result{Total: len(images)}
	lines := make([]string, 0, len(images))
	for i, img := range images {
		n := i + 1
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if p.progress != nil {
			p.progress(n, len(images))
		}

		text, err := p.rec.Recognize(ctx, ep, img, n)
		if err != nil {
			p.metrics.RecordOCRImage(ctx, "error")
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result{}, ctxErr
			}
			return Result{}, &ImageError{Index: n, Err: err}
		}

		text = strings.TrimSpace(text)
		if text == "" {
			p.metrics.RecordOCRImage(ctx, "empty")
			log.Debug("image produced no text", "image", n, "label", img.Label)
			lines = append(lines, fmt.Sprintf("OCR %d: %s", n, noTextLine))
			continue
		}
		p.metrics.RecordOCRImage(ctx, "text")
		res.Recognized++
		lines = append(lines, fmt.Sprintf("OCR %d: %s", n, text))
	}

	if res.Recognized == 0 {
		return Result{}, ErrNoText
	}
	res.Text = strings.Join(lines, "\n\n")
	return res, nil
}
