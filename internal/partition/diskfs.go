package partition

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/log"
	diskfs "github.com/diskfs/go-diskfs"
)

// DiskfsReader reads partition tables (MBR or GPT) with go-diskfs.
type DiskfsReader struct{}

// NewDiskfsReader returns a TableReader backed by go-diskfs.
func NewDiskfsReader() *DiskfsReader {
	return &DiskfsReader{}
}

// ReadTable opens image read-only and lists its partitions. The sector size
// is the logical block size reported for the image, which go-diskfs queries
// from the kernel for block devices.
func (DiskfsReader) ReadTable(ctx context.Context, image string) (*Table, error) {
	d, err := diskfs.Open(image, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return nil, &DeviceError{Image: image, Cause: err}
	}
	defer func() {
		if err := d.Close(); err != nil {
			log.G(ctx).WithError(err).Warnf("failed to close %s", image)
		}
	}()

	sectorSize := d.LogicalBlocksize
	if sectorSize <= 0 {
		return nil, &DeviceError{Image: image, Cause: fmt.Errorf("invalid sector size %d", sectorSize)}
	}

	pt, err := d.GetPartitionTable()
	if err != nil {
		return nil, &DeviceError{Image: image, Cause: fmt.Errorf("unable to read partition table: %w", err)}
	}
	if pt == nil {
		return nil, &DeviceError{Image: image, Cause: errors.New("no partition table")}
	}

	table := &Table{
		Type:       pt.Type(),
		SectorSize: uint64(sectorSize),
	}
	for _, p := range pt.GetPartitions() {
		if p == nil || p.GetSize() == 0 {
			continue
		}
		table.Partitions = append(table.Partitions, Entry{
			Number:        p.GetIndex(),
			StartSector:   uint64(p.GetStart() / sectorSize),
			LengthSectors: uint64(p.GetSize() / sectorSize),
			Name:          p.Label(),
		})
	}

	return table, nil
}
