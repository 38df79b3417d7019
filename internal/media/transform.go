// Package media turns captured attachments into upload-ready blobs.
package media

import (
	"bytes"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp"

	apperrors "github.com/kimhsiao/ledgersync/internal/errors"
	"github.com/kimhsiao/ledgersync/internal/logging"
)

// Result is a transformed blob.
type Result struct {
	Data        []byte
	ContentType string
	Width       int
	Height      int
}

// Transformer compresses images and passes other content through.
type Transformer struct {
	maxDimension int
	jpegQuality  int
}

// NewTransformer creates a transformer. Images larger than maxDimension on
// either side are scaled to fit.
func NewTransformer(maxDimension, jpegQuality int) *Transformer {
	if maxDimension <= 0 {
		maxDimension = 1600
	}
	if jpegQuality <= 0 || jpegQuality > 100 {
		jpegQuality = 80
	}
	return &Transformer{maxDimension: maxDimension, jpegQuality: jpegQuality}
}

// Transform returns the upload form of data. Empty input is rejected.
// PNG stays PNG so transparency survives; other raster formats become JPEG.
func (t *Transformer) Transform(data []byte) (*Result, error) {
	if len(data) == 0 {
		return nil, apperrors.New(apperrors.ErrMediaEmpty, "attachment is empty")
	}

	mt := mimetype.Detect(data)
	if !isRaster(mt) {
		return &Result{Data: data, ContentType: mt.String()}, nil
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "failed to decode "+mt.String(), err)
	}

	b := img.Bounds()
	if b.Dx() > t.maxDimension || b.Dy() > t.maxDimension {
		img = imaging.Fit(img, t.maxDimension, t.maxDimension, imaging.Lanczos)
	}

	format, contentType := imaging.JPEG, "image/jpeg"
	if mt.Is("image/png") {
		format, contentType = imaging.PNG, "image/png"
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format, imaging.JPEGQuality(t.jpegQuality)); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode image", err)
	}

	out := img.Bounds()
	logging.Debug("media transformed", map[string]interface{}{
		"from":       mt.String(),
		"to":         contentType,
		"size_in":    len(data),
		"size_out":   buf.Len(),
		"dimensions": []int{out.Dx(), out.Dy()},
	})
	return &Result{Data: buf.Bytes(), ContentType: contentType, Width: out.Dx(), Height: out.Dy()}, nil
}

func isRaster(mt *mimetype.MIME) bool {
	for _, m := range []string{"image/jpeg", "image/png", "image/gif", "image/webp"} {
		if mt.Is(m) {
			return true
		}
	}
	return false
}
