// Package mounter mounts a byte offset of an image file through the kernel's
// loop mount support and reports which loop device ended up backing it.
package mounter

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/containerd/log"
	"github.com/moby/sys/mountinfo"

	"github.com/jgarman/partmount/internal/system"
)

// DefaultMountCommand is the mount binary used when none is configured.
const DefaultMountCommand = "mount"

var (
	// ErrMount is matched by every *MountError.
	ErrMount = errors.New("mount failed")
	// ErrNoBackingDevice is returned when a mount point is not backed by a
	// loop device.
	ErrNoBackingDevice = errors.New("no backing loop device")
)

// Options tune a mount.
type Options struct {
	// ReadOnly mounts with -o ro.
	ReadOnly bool
	// FSType is passed as -t when set; empty lets mount probe the filesystem.
	FSType string
}

// Mount is a completed mount.
type Mount struct {
	Source string
	Target string
	Offset uint64
	// LoopDevice is the loop device the kernel attached for this mount, or
	// empty when it could not be determined.
	LoopDevice string
}

// Mounter is the OS mount capability.
type Mounter interface {
	// Mount mounts source, starting offset bytes in, on target. The loop
	// device is attached by the mount itself.
	Mount(ctx context.Context, source, target string, offset uint64, opts Options) (*Mount, error)
}

// CommandMounter mounts with `mount -o loop,offset=N`.
type CommandMounter struct {
	runner system.Runner
	binary string

	// Lookup finds the loop device backing a mount point. Defaults to
	// BackingLoopDevice.
	Lookup func(target string) (string, error)
}

// NewCommandMounter returns a Mounter shelling out to binary (DefaultMountCommand
// when empty).
func NewCommandMounter(runner system.Runner, binary string) *CommandMounter {
	if binary == "" {
		binary = DefaultMountCommand
	}
	return &CommandMounter{
		runner: runner,
		binary: binary,
		Lookup: BackingLoopDevice,
	}
}

// Args returns the mount arguments used for the given request.
func Args(source, target string, offset uint64, opts Options) []string {
	o := []string{"loop", "offset=" + strconv.FormatUint(offset, 10)}
	if opts.ReadOnly {
		o = append(o, "ro")
	}

	args := []string{"-o", strings.Join(o, ",")}
	if opts.FSType != "" {
		args = append(args, "-t", opts.FSType)
	}
	return append(args, source, target)
}

// Mount runs mount and then looks up the loop device it created. A failed
// lookup is logged and leaves Mount.LoopDevice empty; the mount itself
// stays in place.
func (m *CommandMounter) Mount(ctx context.Context, source, target string, offset uint64, opts Options) (*Mount, error) {
	if _, err := system.Check(ctx, m.runner, m.binary, Args(source, target, offset, opts)...); err != nil {
		return nil, &MountError{Source: source, Target: target, Offset: offset, Cause: err}
	}

	mnt := &Mount{Source: source, Target: target, Offset: offset}
	if m.Lookup == nil {
		return mnt, nil
	}

	dev, err := m.Lookup(target)
	if err != nil {
		log.G(ctx).WithError(err).WithField("target", target).Warn("cannot get loopback device name")
		return mnt, nil
	}
	mnt.LoopDevice = dev

	return mnt, nil
}

// BackingLoopDevice returns the /dev/loopN device mounted on target,
// according to the mount table.
func BackingLoopDevice(target string) (string, error) {
	path, err := filepath.Abs(target)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}

	mounts, err := mountinfo.GetMounts(mountinfo.SingleEntryFilter(path))
	if err != nil {
		return "", fmt.Errorf("failed to read mount table: %w", err)
	}
	if len(mounts) == 0 {
		return "", fmt.Errorf("%s is not a mount point: %w", path, ErrNoBackingDevice)
	}

	// the last entry is the one on top when mounts are stacked
	source := mounts[len(mounts)-1].Source
	if !strings.HasPrefix(source, "/dev/loop") {
		return "", fmt.Errorf("%s is mounted from %s: %w", path, source, ErrNoBackingDevice)
	}

	return source, nil
}

// MountError reports a failed mount call.
type MountError struct {
	Source string
	Target string
	Offset uint64
	Cause  error
}

func (e *MountError) Error() string {
	return fmt.Sprintf("failed to mount %s (offset %d) on %s: %v", e.Source, e.Offset, e.Target, e.Cause)
}

func (e *MountError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is ErrMount.
func (e *MountError) Is(target error) bool {
	return target == ErrMount
}
