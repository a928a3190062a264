//go:build govips && cgo

package pipeline

import (
	"errors"
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
)

var vipsState struct {
	sync.Mutex
	running bool
	stopped bool
}

// Startup boots libvips for the process with operation caching off. libvips
// cannot be restarted once Shutdown has run.
func Startup() error {
	vipsState.Lock()
	defer vipsState.Unlock()
	switch {
	case vipsState.stopped:
		return errors.New("libvips already shut down")
	case vipsState.running:
		return nil
	}
	vips.LoggingSettings(nil, vips.LogLevelWarning)
	vips.Startup(&vips.Config{
		ConcurrencyLevel: 1,
		MaxCacheFiles:    0,
		MaxCacheMem:      0,
		MaxCacheSize:     0,
	})
	vipsState.running = true
	return nil
}

func Shutdown() {
	vipsState.Lock()
	defer vipsState.Unlock()
	if vipsState.running {
		vips.Shutdown()
		vipsState.running = false
		vipsState.stopped = true
	}
}

func newTransformer(cfg ModelConfig) (Transformer, error) {
	if err := Startup(); err != nil {
		return nil, err
	}
	return govipsTransformer{cfg: cfg}, nil
}
