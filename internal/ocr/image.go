package ocr

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// Image is one entry of a batch. Payload is the data URI submitted to the
// recognition service; Label names the image in logs and errors.
type Image struct {
	Payload string
	Label   string
}

// FromBytes encodes raw image bytes as a base64 data URI. The MIME type is
// sniffed from the content.
func FromBytes(data []byte, label string) Image {
	mt := http.DetectContentType(data)
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return Image{
		Payload: "data:" + mt + ";base64," + base64.StdEncoding.EncodeToString(data),
		Label:   label,
	}
}

// Source resolves caller-supplied handles to encoded image bytes.
type Source interface {
	ImageBytes(ctx context.Context, handle string) ([]byte, error)
}

// FileSource reads images from the local filesystem. Relative handles are
// resolved against Dir.
type FileSource struct {
	Dir string
}

var _ Source = FileSource{}

// ImageBytes implements [Source].
func (s FileSource) ImageBytes(ctx context.Context, handle string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := handle
	if !filepath.IsAbs(path) && s.Dir != "" {
		path = filepath.Join(s.Dir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ocr: read image: %w", err)
	}
	return data, nil
}

// Load resolves handles through src in order.
func Load(ctx context.Context, src Source, handles ...string) ([]Image, error) {
	images := make([]Image, 0, len(handles))
	for _, h := range handles {
		data, err := src.ImageBytes(ctx, h)
		if err != nil {
			return nil, err
		}
		images = append(images, FromBytes(data, filepath.Base(h)))
	}
	return images, nil
}
