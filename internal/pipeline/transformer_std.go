package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

type stdlibTransformer struct {
	cfg ModelConfig
}

func (t stdlibTransformer) Transform(ctx context.Context, content, style []byte) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	contentImg, err := decodeWithin(ctx, content, t.cfg.MaxDimension)
	if err != nil {
		return nil, fmt.Errorf("decode content image: %w", err)
	}
	styleImg, err := decodeWithin(ctx, style, t.cfg.MaxDimension)
	if err != nil {
		return nil, fmt.Errorf("decode style image: %w", err)
	}

	return stylize(ctx, contentImg, styleImg, t.cfg)
}

func decodeWithin(ctx context.Context, data []byte, maxDim int) (*image.RGBA, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return fitWithin(ctx, src, maxDim)
}

// scaleBand is the number of destination rows resampled between context
// checks.
const scaleBand = 128

// fitWithin scales src so that its longest side is at most maxDim, keeping
// the aspect ratio. Smaller images are copied unchanged. Resampling runs in
// horizontal bands and stops between bands once ctx is done.
func fitWithin(ctx context.Context, src image.Image, maxDim int) (*image.RGBA, error) {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("source image has invalid dimensions %dx%d", w, h)
	}

	longest := max(w, h)
	if longest <= maxDim {
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
		return dst, nil
	}

	scale := float64(maxDim) / float64(longest)
	dw := max(1, int(float64(w)*scale+0.5))
	dh := max(1, int(float64(h)*scale+0.5))
	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	for y := 0; y < dh; y += scaleBand {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// The band clips the full destination rect, so the source mapping is
		// the same as a single whole-image scale.
		band := dst.SubImage(image.Rect(0, y, dw, min(y+scaleBand, dh))).(*image.RGBA)
		draw.CatmullRom.Scale(band, dst.Bounds(), src, b, draw.Src, nil)
	}
	return dst, nil
}
