// Package capture defines the boundary to the capture source (spec §1: "an
// opaque producer with a callback interface"). No real capture backend is
// implemented here — only the interface the feeder admits frames through,
// a manually driven Synthetic producer, and the placeholder TickerProducer.
package capture

// Meta describes one raw captured frame's layout, independent of its bytes.
type Meta struct {
	MonotonicNs    int64
	PresentationNs int64
	WallClockNs    int64
	Width          uint32
	Height         uint32
	Format         string // "NV12", "I420", "RGB8"
	Keyframe       bool
	ColorSpace     string
	ColorRange     string
	SessionID      string
}

// Raw is one captured frame: planar pixel bytes plus its metadata.
type Raw struct {
	Data []byte
	Meta Meta
}

// Callback is invoked by a Producer for every captured frame. Implementations
// must not block for long — the feeder's admission path is non-suspending
// and expects to run on the same loop as the callback (spec §5).
type Callback func(Raw)

// Producer is the capture source. Its lifecycle (open device, negotiate
// resolution, etc.) is out of scope for this client; only the callback
// registration surface is.
type Producer interface {
	// Start begins delivering frames to cb until Stop is called.
	Start(cb Callback) error
	// Stop halts frame delivery.
	Stop() error
}
