package capture

// Synthetic is a test Producer that emits pre-built Raw frames one at a
// time when Emit is called, rather than running its own capture loop. It
// exists so feeder and client tests can drive admission deterministically
// without a real capture device.
type Synthetic struct {
	cb Callback
}

// Start registers cb; Synthetic does not spawn any goroutine of its own.
func (s *Synthetic) Start(cb Callback) error {
	s.cb = cb
	return nil
}

// Stop unregisters the callback.
func (s *Synthetic) Stop() error {
	s.cb = nil
	return nil
}

// Emit delivers one frame synchronously to the registered callback, if any.
func (s *Synthetic) Emit(r Raw) {
	if s.cb != nil {
		s.cb(r)
	}
}
