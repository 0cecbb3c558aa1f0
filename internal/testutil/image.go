// Package testutil builds disk image fixtures for tests.
package testutil

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/gpt"
)

// SectorSize is the logical sector size of images built by this package.
const SectorSize = 512

// PartitionSpec describes one GPT partition in sectors. End is inclusive.
type PartitionSpec struct {
	Start uint64
	End   uint64
	Name  string
	// Index is the partition's slot in the GPT array, starting at 1. Zero
	// means its position in the list plus one.
	Index int
}

// Offset returns the byte offset of the partition.
func (p PartitionSpec) Offset() uint64 {
	return p.Start * SectorSize
}

// Length returns the partition length in bytes.
func (p PartitionSpec) Length() uint64 {
	return (p.End - p.Start + 1) * SectorSize
}

// DefaultPartitions is a three-partition layout that fits in a 4 MiB image.
var DefaultPartitions = []PartitionSpec{
	{Start: 2048, End: 3071, Name: "boot"},
	{Start: 3072, End: 4095, Name: "root"},
	{Start: 4096, End: 6143, Name: "data"},
}

// CreatePartitionedImage writes a sizeBytes image with a GPT table holding
// parts to a new file under t.TempDir and returns its path.
func CreatePartitionedImage(t testing.TB, sizeBytes int64, parts []PartitionSpec) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "disk.img")

	d, err := diskfs.Create(path, sizeBytes, diskfs.SectorSizeDefault)
	if err != nil {
		t.Fatalf("Failed to create disk: %v", err)
	}

	table := &gpt.Table{
		LogicalSectorSize:  SectorSize,
		PhysicalSectorSize: SectorSize,
		ProtectiveMBR:      true,
	}
	for i, p := range parts {
		index := p.Index
		if index == 0 {
			index = i + 1
		}
		table.Partitions = append(table.Partitions, &gpt.Partition{
			Index: index,
			Start: p.Start,
			End:   p.End,
			Type:  gpt.LinuxFilesystem,
			Name:  p.Name,
		})
	}

	if err := d.Partition(table); err != nil {
		t.Fatalf("Failed to write partition table: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Failed to close disk: %v", err)
	}

	return path
}

// FillRegion overwrites length bytes at offset of the file at path with value.
func FillRegion(t testing.TB, path string, offset, length uint64, value byte) {
	t.Helper()

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("Failed to open %s: %v", path, err)
	}
	defer f.Close()

	if _, err := f.WriteAt(bytes.Repeat([]byte{value}, int(length)), int64(offset)); err != nil {
		t.Fatalf("Failed to fill %s: %v", path, err)
	}
}

// CreateFilledFile writes size bytes of value to a new file named name under
// t.TempDir and returns its path.
func CreateFilledFile(t testing.TB, name string, size int, value byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, bytes.Repeat([]byte{value}, size), 0644); err != nil {
		t.Fatalf("Failed to create %s: %v", name, err)
	}
	return path
}

// ReadRegion returns length bytes at offset of the file at path.
func ReadRegion(t testing.TB, path string, offset, length uint64) []byte {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open %s: %v", path, err)
	}
	defer f.Close()

	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, int64(offset)); err != nil {
		t.Fatalf("Failed to read %s: %v", path, err)
	}
	return buf
}
