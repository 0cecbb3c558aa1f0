// Package loop attaches byte ranges of an image file to Linux loop devices
// and guarantees they are released again.
package loop

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/log"
)

var (
	// ErrLoopAcquire is matched by every *AttachError.
	ErrLoopAcquire = errors.New("unable to acquire loop device")
	// ErrLoopDetach is matched by every *DetachError.
	ErrLoopDetach = errors.New("unable to detach loop device")
)

// Config describes the slice of the backing file a loop device exposes.
type Config struct {
	// Offset is the byte offset in the backing file where the device starts.
	Offset uint64
	// SizeLimit caps the device size in bytes (0 = rest of the file).
	SizeLimit uint64
	// ReadOnly attaches the device read-only.
	ReadOnly bool
	// Autoclear detaches the device when its last user closes it.
	Autoclear bool
}

// Device is an attached loop device.
type Device struct {
	// Path is the device node, e.g. "/dev/loop0".
	Path string
	// Number is the loop device number, or -1 when unknown.
	Number int
}

func (d *Device) String() string {
	return d.Path
}

// Attacher is the loop device primitive. Every Device returned by Attach must
// eventually be handed to Detach.
type Attacher interface {
	Attach(ctx context.Context, image string, cfg Config) (*Device, error)
	Detach(ctx context.Context, dev *Device) error
}

// With attaches image to a loop device according to cfg, runs body with the
// device and detaches it again. body runs at most once, and only when the
// attach succeeded. The device is detached exactly once on every exit path of
// body, including panics.
//
// A failed detach is logged as a warning and does not override the result of
// body.
func With(ctx context.Context, a Attacher, image string, cfg Config, body func(*Device) error) error {
	dev, err := a.Attach(ctx, image, cfg)
	if err != nil {
		return &AttachError{Image: image, Offset: cfg.Offset, Cause: err}
	}

	logger := log.G(ctx).WithField("device", dev.Path)
	logger.Infof("Loop device %s created for %s at offset %d", dev.Path, image, cfg.Offset)

	defer func() {
		// detach even when the caller's context is already cancelled
		if err := a.Detach(context.WithoutCancel(ctx), dev); err != nil {
			logger.WithError(&DetachError{Device: dev.Path, Cause: err}).Warn("failed to detach loop device")
			return
		}
		logger.Infof("Loop device %s detached", dev.Path)
	}()

	return body(dev)
}

// AttachError reports a loop device that could not be set up.
type AttachError struct {
	Image  string
	Offset uint64
	Cause  error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("failed to attach %s at offset %d to a loop device: %v", e.Image, e.Offset, e.Cause)
}

func (e *AttachError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is ErrLoopAcquire.
func (e *AttachError) Is(target error) bool {
	return target == ErrLoopAcquire
}

// DetachError reports a loop device that could not be released.
type DetachError struct {
	Device string
	Cause  error
}

func (e *DetachError) Error() string {
	return fmt.Sprintf("failed to detach loop device %s: %v", e.Device, e.Cause)
}

func (e *DetachError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is ErrLoopDetach.
func (e *DetachError) Is(target error) bool {
	return target == ErrLoopDetach
}
