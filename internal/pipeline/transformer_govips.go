//go:build govips && cgo

package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"

	"github.com/davidbyttow/govips/v2/vips"
	"golang.org/x/image/draw"
)

// govipsTransformer decodes and downsizes through libvips, which accepts
// more input formats (HEIF, TIFF, AVIF) and resamples with Lanczos.
type govipsTransformer struct {
	cfg ModelConfig
}

func (t govipsTransformer) Transform(ctx context.Context, content, style []byte) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	contentImg, err := loadGovips(content, t.cfg.MaxDimension)
	if err != nil {
		return nil, fmt.Errorf("decode content image: %w", err)
	}
	styleImg, err := loadGovips(style, t.cfg.MaxDimension)
	if err != nil {
		return nil, fmt.Errorf("decode style image: %w", err)
	}

	return stylize(ctx, contentImg, styleImg, t.cfg)
}

func loadGovips(data []byte, maxDim int) (*image.RGBA, error) {
	img, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return nil, err
	}
	defer img.Close()

	if img.Width() <= 0 || img.Height() <= 0 {
		return nil, fmt.Errorf("source image has invalid dimensions")
	}
	if longest := max(img.Width(), img.Height()); longest > maxDim {
		if err := img.Resize(float64(maxDim)/float64(longest), vips.KernelLanczos3); err != nil {
			return nil, fmt.Errorf("resize image: %w", err)
		}
	}

	encoded, _, err := img.ExportPng(vips.NewPngExportParams())
	if err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	decoded, err := png.Decode(bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode png: %w", err)
	}

	b := decoded.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), decoded, b.Min, draw.Src)
	return rgba, nil
}
