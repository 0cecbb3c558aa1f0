package mounter

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Mounter for tests.
type Fake struct {
	// Err, when set, makes Mount fail with a *MountError wrapping it.
	Err error
	// LoopDevice is reported as the backing device of every mount.
	LoopDevice string

	mu     sync.Mutex
	mounts []Mount
	opts   []Options
}

// Mount records the request.
func (f *Fake) Mount(_ context.Context, source, target string, offset uint64, opts Options) (*Mount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return nil, &MountError{Source: source, Target: target, Offset: offset, Cause: f.Err}
	}

	m := Mount{Source: source, Target: target, Offset: offset, LoopDevice: f.LoopDevice}
	f.mounts = append(f.mounts, m)
	f.opts = append(f.opts, opts)
	return &m, nil
}

// Mounts returns every successful mount, in order.
func (f *Fake) Mounts() []Mount {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Mount(nil), f.mounts...)
}

// Options returns the options of the i-th successful mount.
func (f *Fake) Options(i int) Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 || i >= len(f.opts) {
		panic(fmt.Sprintf("mounter.Fake: no mount %d", i))
	}
	return f.opts[i]
}
