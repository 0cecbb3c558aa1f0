// Package mkfs creates filesystems on block devices with the external
// mkfs.* utilities.
package mkfs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/jgarman/partmount/internal/system"
)

// Kind is a supported filesystem type.
type Kind int

const (
	// Vfat is FAT32.
	Vfat Kind = iota + 1
	// Ext4 is ext4.
	Ext4
)

// ErrInvalidKind is returned for filesystem names other than vfat and ext4.
var ErrInvalidKind = fmt.Errorf("unsupported filesystem type (supported types: vfat, ext4): %w", errdefs.ErrInvalidArgument)

// ErrCreation is matched by every *CreationError.
var ErrCreation = errors.New("filesystem creation failed")

// ParseKind normalizes s case-insensitively to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "vfat":
		return Vfat, nil
	case "ext4":
		return Ext4, nil
	default:
		return 0, fmt.Errorf("%q: %w", s, ErrInvalidKind)
	}
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	return k == Vfat || k == Ext4
}

func (k Kind) String() string {
	switch k {
	case Vfat:
		return "vfat"
	case Ext4:
		return "ext4"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Tool is the utility invoked for one Kind. Args come before the device path.
type Tool struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// DefaultTools returns the stock utilities: mkfs.vfat with a forced 32-bit
// FAT, and mkfs.ext4 with default options.
func DefaultTools() map[Kind]Tool {
	return map[Kind]Tool{
		Vfat: {Command: "mkfs.vfat", Args: []string{"-F", "32"}},
		Ext4: {Command: "mkfs.ext4", Args: []string{"-F"}},
	}
}

// Creator runs the filesystem utility for a Kind against a device.
type Creator struct {
	runner system.Runner
	tools  map[Kind]Tool
}

// NewCreator returns a Creator. Kinds missing from tools use DefaultTools.
func NewCreator(runner system.Runner, tools map[Kind]Tool) *Creator {
	merged := DefaultTools()
	for k, t := range tools {
		if t.Command != "" {
			merged[k] = t
		}
	}
	return &Creator{runner: runner, tools: merged}
}

// Command returns the command line Create would run for kind on device.
func (c *Creator) Command(kind Kind, device string) (string, []string, error) {
	tool, ok := c.tools[kind]
	if !ok || !kind.Valid() {
		return "", nil, fmt.Errorf("%s: %w", kind, ErrInvalidKind)
	}
	args := append(append([]string(nil), tool.Args...), device)
	return tool.Command, args, nil
}

// Create makes a kind filesystem on device. It is attempted exactly once.
func (c *Creator) Create(ctx context.Context, device string, kind Kind) error {
	name, args, err := c.Command(kind, device)
	if err != nil {
		return err
	}

	res, err := system.Check(ctx, c.runner, name, args...)
	if err != nil {
		ce := &CreationError{Kind: kind, Device: device, Command: name, Cause: err}
		var cmdErr *system.CommandError
		if errors.As(err, &cmdErr) {
			ce.Output = cmdErr.Output
		}
		return ce
	}

	log.G(ctx).WithField("device", device).Debugf("%s: %s", name, res.Diagnostic())
	log.G(ctx).Infof("%s filesystem created on %s", kind, device)
	return nil
}

// CreationError reports a filesystem utility that could not be started or
// exited non-zero. Output is the utility's diagnostic text, unmodified.
type CreationError struct {
	Kind    Kind
	Device  string
	Command string
	Output  string
	Cause   error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("%s error on %s: %v", e.Command, e.Device, e.Cause)
}

func (e *CreationError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is ErrCreation.
func (e *CreationError) Is(target error) bool {
	return target == ErrCreation
}
