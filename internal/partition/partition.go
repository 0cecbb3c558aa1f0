// Package partition turns a partition number into the byte range it occupies
// inside a disk image.
package partition

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
)

var (
	// ErrDeviceOpen is matched by every *DeviceError.
	ErrDeviceOpen = errors.New("unable to open device")
	// ErrPartitionNotFound is matched by every *NotFoundError.
	ErrPartitionNotFound = errors.New("partition not found")
)

// Region is the byte range of one partition, relative to the start of the image.
type Region struct {
	Offset uint64
	Length uint64
}

// End returns the first byte past the region.
func (r Region) End() uint64 {
	return r.Offset + r.Length
}

func (r Region) String() string {
	return fmt.Sprintf("offset=%d length=%d", r.Offset, r.Length)
}

// Entry is one partition as listed by the partition table. StartSector and
// LengthSectors are in units of the table's sector size.
type Entry struct {
	Number        int
	StartSector   uint64
	LengthSectors uint64
	Name          string
}

// Table is the partition table of an image.
type Table struct {
	Type       string
	SectorSize uint64
	Partitions []Entry
}

// Region returns the byte range of e using the table's sector size.
func (t *Table) Region(e Entry) Region {
	return Region{
		Offset: e.StartSector * t.SectorSize,
		Length: e.LengthSectors * t.SectorSize,
	}
}

// Lookup finds the partition whose table-assigned number is number.
func (t *Table) Lookup(number int) (Entry, bool) {
	for _, e := range t.Partitions {
		if e.Number == number {
			return e, true
		}
	}
	return Entry{}, false
}

// TableReader reads the partition table of an image.
type TableReader interface {
	ReadTable(ctx context.Context, image string) (*Table, error)
}

// Resolver maps a partition number of an image to its byte range.
type Resolver interface {
	Resolve(ctx context.Context, image string, number int) (Region, error)
}

// TableResolver resolves partitions by reading the image's partition table
// on every call.
type TableResolver struct {
	reader TableReader
}

// NewResolver returns a Resolver backed by reader.
func NewResolver(reader TableReader) *TableResolver {
	return &TableResolver{reader: reader}
}

// Resolve reads the table of image and returns the region of partition
// number. Partition numbers are the table's own numbering, not positions in
// the partition list.
func (r *TableResolver) Resolve(ctx context.Context, image string, number int) (Region, error) {
	table, err := r.reader.ReadTable(ctx, image)
	if err != nil {
		return Region{}, err
	}

	entry, ok := table.Lookup(number)
	if !ok {
		return Region{}, &NotFoundError{Image: image, Number: number}
	}

	region := table.Region(entry)
	log.G(ctx).WithFields(log.Fields{
		"partition":   number,
		"sector_size": table.SectorSize,
		"offset":      region.Offset,
		"length":      region.Length,
	}).Debug("resolved partition")

	return region, nil
}

// Static is a Resolver that always returns the same region, whatever the
// image or partition number.
type Static Region

// Resolve returns the fixed region.
func (s Static) Resolve(context.Context, string, int) (Region, error) {
	return Region(s), nil
}

// DeviceError reports an image whose partition table could not be read.
type DeviceError struct {
	Image string
	Cause error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("unable to get %s device: %v", e.Image, e.Cause)
}

func (e *DeviceError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is ErrDeviceOpen.
func (e *DeviceError) Is(target error) bool {
	return target == ErrDeviceOpen
}

// NotFoundError reports a partition number absent from the table.
type NotFoundError struct {
	Image  string
	Number int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("partition %d is not found in %s", e.Number, e.Image)
}

// Unwrap lets errdefs.IsNotFound classify the error.
func (e *NotFoundError) Unwrap() error {
	return errdefs.ErrNotFound
}

// Is reports whether target is ErrPartitionNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrPartitionNotFound
}
