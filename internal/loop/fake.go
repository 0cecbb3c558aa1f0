package loop

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Attacher for tests. It hands out /dev/loopN paths
// without touching the system and records every attach and detach.
type Fake struct {
	// AttachErr, when set, makes Attach fail.
	AttachErr error
	// DetachErr, when set, makes Detach fail (the detach is still recorded).
	DetachErr error

	mu       sync.Mutex
	next     int
	attached map[string]Config
	images   map[string]string
	detached []string
}

// Attach records a new device for image.
func (f *Fake) Attach(_ context.Context, image string, cfg Config) (*Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.AttachErr != nil {
		return nil, f.AttachErr
	}
	if f.attached == nil {
		f.attached = make(map[string]Config)
		f.images = make(map[string]string)
	}

	dev := &Device{Path: fmt.Sprintf("/dev/loop%d", f.next), Number: f.next}
	f.next++
	f.attached[dev.Path] = cfg
	f.images[dev.Path] = image
	return dev, nil
}

// Detach records the detach and forgets the device.
func (f *Fake) Detach(_ context.Context, dev *Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.detached = append(f.detached, dev.Path)
	if f.DetachErr != nil {
		return f.DetachErr
	}
	delete(f.attached, dev.Path)
	delete(f.images, dev.Path)
	return nil
}

// Attached returns the number of devices attached and not yet detached.
func (f *Fake) Attached() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attached)
}

// Config returns the configuration a still-attached device was created with.
func (f *Fake) Config(path string) (Config, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.attached[path]
	return cfg, ok
}

// Detached returns every device path passed to Detach, in order.
func (f *Fake) Detached() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.detached...)
}
