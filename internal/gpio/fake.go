package gpio

import "sync"

// FakeOutput is a test double that records relay writes.
type FakeOutput struct {
	mu sync.Mutex

	// Writes contains every value passed to Set, in order.
	Writes []bool

	// On is the current relay state.
	On bool

	// SetError, if set, will be returned by Set and the state left unchanged.
	SetError error

	// Closed tracks if Close was called.
	Closed bool
}

// NewFakeOutput creates a released FakeOutput.
func NewFakeOutput() *FakeOutput {
	return &FakeOutput{}
}

// Set records the write.
func (f *FakeOutput) Set(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Writes = append(f.Writes, on)
	if f.SetError != nil {
		return f.SetError
	}
	f.On = on
	return nil
}

// IsOn reports the current relay state.
func (f *FakeOutput) IsOn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.On
}

// WriteCount returns the number of Set calls.
func (f *FakeOutput) WriteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Writes)
}

// Close releases the relay and marks the output as closed.
func (f *FakeOutput) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.On = false
	f.Closed = true
	return nil
}

// FakeButton is a test double for a push button.
type FakeButton struct {
	mu     sync.Mutex
	onEdge EdgeHandler
	down   bool

	// Closed tracks if Close was called.
	Closed bool
}

// NewFakeButton creates a button that reports edges to onEdge.
func NewFakeButton(onEdge EdgeHandler) *FakeButton {
	return &FakeButton{onEdge: onEdge}
}

// Down simulates the button going down. Edges after Close, and repeated
// edges in the same direction, are ignored.
func (f *FakeButton) Down() {
	f.edge(true)
}

// Up simulates the button being released.
func (f *FakeButton) Up() {
	f.edge(false)
}

// Press is a quick Down then Up.
func (f *FakeButton) Press() {
	f.Down()
	f.Up()
}

func (f *FakeButton) edge(pressed bool) {
	f.mu.Lock()
	if f.Closed || f.down == pressed {
		f.mu.Unlock()
		return
	}
	f.down = pressed
	f.mu.Unlock()
	f.onEdge(pressed)
}

// Close stops delivering edges.
func (f *FakeButton) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}
