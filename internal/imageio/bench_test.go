package imageio

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

const benchImageSize = 8 * 1024 * 1024

var benchChunkSizes = []int{512, DefaultZeroChunkSize, DefaultCopyChunkSize, 64 * 1024, 1024 * 1024}

func benchImage(b *testing.B) string {
	b.Helper()

	path := filepath.Join(b.TempDir(), "bench.img")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0xA5}, benchImageSize), 0644); err != nil {
		b.Fatalf("Failed to create image: %v", err)
	}
	return path
}

// Throughput is reported as MB/s by b.SetBytes.
func BenchmarkCopyRange(b *testing.B) {
	for _, chunk := range benchChunkSizes {
		b.Run(fmt.Sprintf("chunk=%d", chunk), func(b *testing.B) {
			src := benchImage(b)
			dst := filepath.Join(b.TempDir(), "dump.bin")

			b.SetBytes(benchImageSize)
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				n, err := CopyRange(src, dst, 0, benchImageSize, chunk)
				if err != nil {
					b.Fatalf("CopyRange failed: %v", err)
				}
				if n != benchImageSize {
					b.Fatalf("incomplete copy: wrote %d bytes, expected %d", n, benchImageSize)
				}
			}
		})
	}
}

func BenchmarkZeroRange(b *testing.B) {
	for _, chunk := range benchChunkSizes {
		b.Run(fmt.Sprintf("chunk=%d", chunk), func(b *testing.B) {
			path := benchImage(b)

			b.SetBytes(benchImageSize)
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := ZeroRange(path, 0, benchImageSize, chunk); err != nil {
					b.Fatalf("ZeroRange failed: %v", err)
				}
			}
		})
	}
}
