package publish

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"github.com/disintegration/imaging"
)

// PrepareThumbnail decodes an image and downscales it to maxWidth, re-encoding
// as JPEG. Providers cap thumbnail dimensions and bytes, so oversized source
// art is normalized before upload.
func PrepareThumbnail(r io.Reader, maxWidth int) ([]byte, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode thumbnail: %w", err)
	}
	if maxWidth <= 0 {
		maxWidth = 1280
	}
	if img.Bounds().Dx() > maxWidth {
		img = imaging.Resize(img, maxWidth, 0, imaging.Lanczos)
	}
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
