//go:build !linux

package vqlab

// Capture is not available on this system.
type Capture struct{}

// StartCapture returns [ErrCaptureUnsupported].
func StartCapture(ifname, filename string, logger Logger) (*Capture, error) {
	return nil, ErrCaptureUnsupported
}

// Close implements io.Closer.
func (c *Capture) Close() error {
	return nil
}
