//go:build !govips || !cgo

package pipeline

// Startup and Shutdown are no-ops without libvips.
func Startup() error { return nil }
func Shutdown()      {}

func newTransformer(cfg ModelConfig) (Transformer, error) {
	return stdlibTransformer{cfg: cfg}, nil
}
