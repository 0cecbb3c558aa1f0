//go:build !linux

package loop

import (
	"context"

	"github.com/containerd/errdefs"
)

// Ioctl attaches loop devices through /dev/loop-control. Linux only.
type Ioctl struct{}

// NewIoctl returns an ioctl based Attacher.
func NewIoctl() *Ioctl {
	return &Ioctl{}
}

// Attach is not implemented on this platform.
func (Ioctl) Attach(context.Context, string, Config) (*Device, error) {
	return nil, errdefs.ErrNotImplemented
}

// Detach is not implemented on this platform.
func (Ioctl) Detach(context.Context, *Device) error {
	return errdefs.ErrNotImplemented
}
