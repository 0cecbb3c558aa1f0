//go:build linux

package loop

import (
	"context"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Loop device ioctl constants from <linux/loop.h>
const (
	loopSetFd       = 0x4C00
	loopClrFd       = 0x4C01
	loopSetStatus64 = 0x4C04
	loopCtlGetFree  = 0x4C82
)

// Loop device flags from <linux/loop.h>
const (
	loFlagsReadOnly  = 1 << 0
	loFlagsAutoclear = 1 << 2
)

// loopInfo64 matches the kernel's struct loop_info64.
type loopInfo64 struct {
	Device         uint64
	Inode          uint64
	Rdevice        uint64
	Offset         uint64
	SizeLimit      uint64
	Number         uint32
	EncryptType    uint32
	EncryptKeySize uint32
	Flags          uint32
	FileName       [64]byte
	CryptName      [64]byte
	EncryptKey     [32]byte
	Init           [2]uint64
}

// Ioctl attaches loop devices directly through /dev/loop-control.
type Ioctl struct{}

// NewIoctl returns an ioctl based Attacher.
func NewIoctl() *Ioctl {
	return &Ioctl{}
}

// Attach grabs a free loop device and binds cfg's slice of image to it.
func (Ioctl) Attach(_ context.Context, image string, cfg Config) (*Device, error) {
	flags := unix.O_CLOEXEC
	if cfg.ReadOnly {
		flags |= unix.O_RDONLY
	} else {
		flags |= unix.O_RDWR
	}
	backingFd, err := unix.Open(image, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open backing file %s: %w", image, err)
	}
	defer unix.Close(backingFd)

	ctlFd, err := unix.Open("/dev/loop-control", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open /dev/loop-control: %w", err)
	}
	defer unix.Close(ctlFd)

	devNum, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(ctlFd), loopCtlGetFree, 0)
	if errno != 0 {
		return nil, fmt.Errorf("LOOP_CTL_GET_FREE failed: %w", errno)
	}

	loopPath := fmt.Sprintf("/dev/loop%d", devNum)

	loopFd, err := unix.Open(loopPath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open loop device %s: %w", loopPath, err)
	}
	defer unix.Close(loopFd)

	_, _, errno = unix.Syscall(unix.SYS_IOCTL, uintptr(loopFd), loopSetFd, uintptr(backingFd))
	if errno != 0 {
		return nil, fmt.Errorf("LOOP_SET_FD failed for %s: %w", loopPath, errno)
	}

	var info loopInfo64
	if cfg.ReadOnly {
		info.Flags |= loFlagsReadOnly
	}
	if cfg.Autoclear {
		info.Flags |= loFlagsAutoclear
	}
	info.Offset = cfg.Offset
	info.SizeLimit = cfg.SizeLimit
	copy(info.FileName[:], image)

	_, _, errno = unix.Syscall(unix.SYS_IOCTL, uintptr(loopFd), loopSetStatus64, uintptr(unsafe.Pointer(&info)))
	if errno != 0 {
		unix.Syscall(unix.SYS_IOCTL, uintptr(loopFd), loopClrFd, 0)
		return nil, fmt.Errorf("LOOP_SET_STATUS64 failed for %s: %w", loopPath, errno)
	}

	return &Device{Path: loopPath, Number: int(devNum)}, nil
}

// Detach clears the loop device. A device that is still in use (mounted)
// is not torn down by the kernel; it is flagged autoclear instead and goes
// away with its last user.
func (Ioctl) Detach(_ context.Context, dev *Device) error {
	if dev == nil || dev.Path == "" {
		return nil
	}

	loopFd, err := unix.Open(dev.Path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open loop device %s: %w", dev.Path, err)
	}
	defer unix.Close(loopFd)

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(loopFd), loopClrFd, 0)
	if errno != 0 && errno != unix.ENXIO {
		// ENXIO: not bound to anything
		return fmt.Errorf("LOOP_CLR_FD failed for %s: %w", dev.Path, errno)
	}

	return nil
}
