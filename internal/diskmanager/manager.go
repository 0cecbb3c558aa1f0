package diskmanager

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/jgarman/partmount/internal/imageio"
	"github.com/jgarman/partmount/internal/loop"
	"github.com/jgarman/partmount/internal/mkfs"
	"github.com/jgarman/partmount/internal/mounter"
	"github.com/jgarman/partmount/internal/partition"
	"github.com/jgarman/partmount/internal/system"
)

var (
	ErrInvalidPartitionNumber = fmt.Errorf("invalid partition number: %w", errdefs.ErrInvalidArgument)
	ErrDeviceNotFound         = errors.New("device not found")
)

type Config struct {
	DevicePath      string
	PartitionNumber int

	// chunk sizes for zeroing and dumping; <= 0 selects the imageio defaults
	ZeroChunkSize int
	CopyChunkSize int
}

// FilesystemCreator makes a filesystem on an attached block device.
type FilesystemCreator interface {
	Create(ctx context.Context, device string, kind mkfs.Kind) error
}

// Dependencies are the external capabilities a Manager drives. Tests swap in
// the fakes from the loop and mounter packages and partition.Static.
type Dependencies struct {
	Resolver partition.Resolver
	Attacher loop.Attacher
	Creator  FilesystemCreator
	Mounter  mounter.Mounter
}

// DefaultDependencies wires the real implementations: go-diskfs for the
// partition table, losetup for loop devices, mkfs.* and mount through runner.
func DefaultDependencies(runner system.Runner) Dependencies {
	return Dependencies{
		Resolver: partition.NewResolver(partition.NewDiskfsReader()),
		Attacher: loop.NewLosetup(runner, ""),
		Creator:  mkfs.NewCreator(runner, nil),
		Mounter:  mounter.NewCommandMounter(runner, ""),
	}
}

// Manager runs mount, format and dump against one partition of one image.
// Nothing is cached between operations: the partition table is read again
// and the image reopened on every call.
type Manager struct {
	config Config
	deps   Dependencies
}

// New creates a manager for config.PartitionNumber of config.DevicePath.
//
// Example usage:
//
//	config := diskmanager.Config{DevicePath: "sdcard.img", PartitionNumber: 2}
//	manager, err := diskmanager.New(config, diskmanager.DefaultDependencies(system.NewExecRunner()))
//	if err != nil {
//	    return err
//	}
//	n, err := manager.Dump(ctx, "rootfs.bin")
func New(config Config, deps Dependencies) (*Manager, error) {
	if config.PartitionNumber < 1 {
		return nil, fmt.Errorf("%d: %w", config.PartitionNumber, ErrInvalidPartitionNumber)
	}
	if deps.Resolver == nil || deps.Attacher == nil || deps.Creator == nil || deps.Mounter == nil {
		return nil, fmt.Errorf("incomplete dependencies: %w", errdefs.ErrInvalidArgument)
	}

	// Check if disk image exists
	if _, err := os.Stat(config.DevicePath); err != nil {
		return nil, &partition.DeviceError{
			Image: config.DevicePath,
			Cause: fmt.Errorf("%w: %w", ErrDeviceNotFound, err),
		}
	}

	return &Manager{
		config: config,
		deps:   deps,
	}, nil
}

func (m *Manager) logger(ctx context.Context) *log.Entry {
	return log.G(ctx).WithFields(log.Fields{
		"device":    m.config.DevicePath,
		"partition": m.config.PartitionNumber,
	})
}

// Region resolves the byte range of the managed partition.
func (m *Manager) Region(ctx context.Context) (partition.Region, error) {
	region, err := m.deps.Resolver.Resolve(ctx, m.config.DevicePath, m.config.PartitionNumber)
	if err != nil {
		return partition.Region{}, fmt.Errorf("cannot get partition info: %w", err)
	}
	return region, nil
}

// Mount mounts the partition on target through a loop mount at the
// partition's offset, then flips the loop device the kernel created to
// auto-clear so it disappears with the unmount.
//
// A partition starting at byte 0 would overlap the partition table; Mount
// treats it as nothing to mount and returns nil without calling mount.
func (m *Manager) Mount(ctx context.Context, target string, opts mounter.Options) error {
	region, err := m.Region(ctx)
	if err != nil {
		return err
	}

	logger := m.logger(ctx).WithField("target", target)
	if region.Offset == 0 {
		logger.Warn("partition starts at byte 0, nothing to mount")
		return nil
	}

	mnt, err := m.deps.Mounter.Mount(ctx, m.config.DevicePath, target, region.Offset, opts)
	if err != nil {
		return err
	}
	logger.Info("mount success")

	if mnt.LoopDevice == "" {
		logger.Warn("cannot get loopback device name")
		return nil
	}

	logger.Infof("setting auto-clear flag on %s", mnt.LoopDevice)
	dev := &loop.Device{Path: mnt.LoopDevice, Number: -1}
	if err := m.deps.Attacher.Detach(ctx, dev); err != nil {
		logger.WithError(&loop.DetachError{Device: dev.Path, Cause: err}).Warn("failed to set auto-clear flag")
	}

	return nil
}

// Format zeroes the whole partition and creates a kind filesystem on it
// through a loop device limited to the partition. The loop device is released
// whether or not the filesystem could be created.
//
// kind is checked before anything is written. Format is not transactional: a
// failure after zeroing has started leaves the partition partially zeroed.
func (m *Manager) Format(ctx context.Context, kind mkfs.Kind) error {
	if !kind.Valid() {
		return fmt.Errorf("%s: %w", kind, mkfs.ErrInvalidKind)
	}

	region, err := m.Region(ctx)
	if err != nil {
		return err
	}

	logger := m.logger(ctx).WithField("fs_type", kind.String())
	logger.Infof("Formatting partition: offset = %d, length = %d bytes", region.Offset, region.Length)

	if err := imageio.ZeroRange(m.config.DevicePath, region.Offset, region.Length, m.config.ZeroChunkSize); err != nil {
		return fmt.Errorf("failed to zero partition %d: %w", m.config.PartitionNumber, err)
	}
	logger.Info("Zeroing complete")

	cfg := loop.Config{
		Offset:    region.Offset,
		SizeLimit: region.Length,
	}
	err = loop.With(ctx, m.deps.Attacher, m.config.DevicePath, cfg, func(dev *loop.Device) error {
		return m.deps.Creator.Create(ctx, dev.Path, kind)
	})
	if err != nil {
		return err
	}

	logger.Info("Formatting complete")
	return nil
}

// Dump copies the raw bytes of the partition to output, replacing any
// existing file. It returns the number of bytes written, which is less than
// the partition length only when the image ends early.
func (m *Manager) Dump(ctx context.Context, output string) (int64, error) {
	region, err := m.Region(ctx)
	if err != nil {
		return 0, err
	}

	logger := m.logger(ctx).WithField("output", output)
	logger.Infof("Dumping partition: offset = %d, length = %d", region.Offset, region.Length)

	n, err := imageio.CopyRange(m.config.DevicePath, output, region.Offset, region.Length, m.config.CopyChunkSize)
	if err != nil {
		return n, fmt.Errorf("failed to dump partition %d: %w", m.config.PartitionNumber, err)
	}
	if uint64(n) < region.Length {
		logger.Warnf("image ended early: copied %d of %d bytes", n, region.Length)
	}

	logger.Info("Dump complete")
	return n, nil
}
