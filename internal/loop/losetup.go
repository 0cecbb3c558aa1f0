package loop

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jgarman/partmount/internal/system"
)

// DefaultLosetup is the losetup binary used when none is configured.
const DefaultLosetup = "losetup"

// Losetup attaches loop devices by invoking util-linux losetup.
//
// losetup cannot set the autoclear flag at attach time, so Config.Autoclear
// is ignored.
type Losetup struct {
	runner system.Runner
	binary string
}

// NewLosetup returns a losetup based Attacher. An empty binary means
// DefaultLosetup.
func NewLosetup(runner system.Runner, binary string) *Losetup {
	if binary == "" {
		binary = DefaultLosetup
	}
	return &Losetup{runner: runner, binary: binary}
}

// Attach runs `losetup --find --show --offset N [--sizelimit M] [--read-only] image`.
func (l *Losetup) Attach(ctx context.Context, image string, cfg Config) (*Device, error) {
	args := []string{"--find", "--show", "--offset", strconv.FormatUint(cfg.Offset, 10)}
	if cfg.SizeLimit > 0 {
		args = append(args, "--sizelimit", strconv.FormatUint(cfg.SizeLimit, 10))
	}
	if cfg.ReadOnly {
		args = append(args, "--read-only")
	}
	args = append(args, image)

	res, err := system.Check(ctx, l.runner, l.binary, args...)
	if err != nil {
		return nil, err
	}

	path := strings.TrimSpace(string(res.Stdout))
	if path == "" {
		return nil, errors.New("failed to obtain loop device: losetup printed no device")
	}

	return &Device{Path: path, Number: deviceNumber(path)}, nil
}

// Detach runs `losetup -d <device>`.
func (l *Losetup) Detach(ctx context.Context, dev *Device) error {
	if dev == nil || dev.Path == "" {
		return nil
	}
	if _, err := system.Check(ctx, l.runner, l.binary, "-d", dev.Path); err != nil {
		return fmt.Errorf("losetup detach: %w", err)
	}
	return nil
}

// deviceNumber extracts N from /dev/loopN, or returns -1.
func deviceNumber(path string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(filepath.Base(path), "loop"))
	if err != nil {
		return -1
	}
	return n
}
