package rfb

import (
	"bytes"
	"image"
	"image/png"

	"github.com/jingkaihe/ivibench/internal/errx"
)

// RGBA converts the BGRX pixels into an opaque image.
func (f *Frame) RGBA() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for i := 0; i+3 < len(f.Pix) && i+3 < len(img.Pix); i += 4 {
		img.Pix[i+0] = f.Pix[i+2]
		img.Pix[i+1] = f.Pix[i+1]
		img.Pix[i+2] = f.Pix[i+0]
		img.Pix[i+3] = 0xFF
	}
	return img
}

func EncodePNG(f *Frame) ([]byte, error) {
	if f == nil || f.Width <= 0 || f.Height <= 0 || len(f.Pix) != f.Width*f.Height*bytesPerPixel {
		return nil, errx.With(ErrProtocol, ": %w", ErrEmptyFramebuffer)
	}
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, f.RGBA()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
