package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"math"
)

// Transformer renders the content image in the style of the style image.
// Implementations are built once per process and shared across jobs.
type Transformer interface {
	Transform(ctx context.Context, content, style []byte) ([]byte, error)
}

type ModelConfig struct {
	// MaxDimension bounds the longest side of both inputs before stylizing.
	MaxDimension int
	// Strength blends the stylized colors over the original, 0..1.
	Strength float64
	Quality  int
}

func (c ModelConfig) withDefaults() ModelConfig {
	if c.MaxDimension <= 0 {
		c.MaxDimension = 512
	}
	if c.Strength <= 0 || c.Strength > 1 {
		c.Strength = 1
	}
	if c.Quality <= 0 || c.Quality > 100 {
		c.Quality = 90
	}
	return c
}

// NewTransformer builds the style model for this process. The concrete
// implementation depends on the build tags (see runtime_*.go).
func NewTransformer(cfg ModelConfig) (Transformer, error) {
	t, err := newTransformer(cfg.withDefaults())
	if err != nil {
		return nil, fmt.Errorf("build transformer: %w", err)
	}
	return t, nil
}

type channelStats struct {
	mean [3]float64
	std  [3]float64
}

func measure(img *image.RGBA) channelStats {
	var (
		sum, sumSq [3]float64
		n          float64
	)
	b := img.Bounds()
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+b.Dx()*4]
		for i := 0; i < len(row); i += 4 {
			for c := 0; c < 3; c++ {
				v := float64(row[i+c])
				sum[c] += v
				sumSq[c] += v * v
			}
			n++
		}
	}

	var stats channelStats
	if n == 0 {
		return stats
	}
	for c := 0; c < 3; c++ {
		stats.mean[c] = sum[c] / n
		variance := sumSq[c]/n - stats.mean[c]*stats.mean[c]
		stats.std[c] = math.Sqrt(math.Max(variance, 0))
	}
	return stats
}

// transferStyle maps the per-channel color distribution of style onto
// content and blends the result with the original by strength. It stops
// between rows once ctx is done.
func transferStyle(ctx context.Context, content, style *image.RGBA, strength float64) (*image.RGBA, error) {
	src := measure(content)
	dst := measure(style)

	var scale [3]float64
	for c := 0; c < 3; c++ {
		scale[c] = dst.std[c] / math.Max(src.std[c], 1e-6)
	}

	b := content.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		in := content.Pix[y*content.Stride : y*content.Stride+b.Dx()*4]
		px := out.Pix[y*out.Stride : y*out.Stride+b.Dx()*4]
		for i := 0; i < len(in); i += 4 {
			for c := 0; c < 3; c++ {
				v := float64(in[i+c])
				mapped := (v-src.mean[c])*scale[c] + dst.mean[c]
				px[i+c] = clampByte(v + strength*(mapped-v))
			}
			px[i+3] = 255
		}
	}
	return out, nil
}

// stylize runs the shared color transfer and encodes the result.
func stylize(ctx context.Context, content, style *image.RGBA, cfg ModelConfig) ([]byte, error) {
	out, err := transferStyle(ctx, content, style, cfg.Strength)
	if err != nil {
		return nil, err
	}
	return encodeJPEG(out, cfg.Quality)
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func clampByte(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(math.Round(v))
}
