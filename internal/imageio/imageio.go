// Package imageio performs the raw byte-range work on a disk image:
// zeroing a partition in place and copying a partition out to a file.
//
// Both operations stream in bounded chunks and are not transactional. A
// failure part way through leaves the target partially written.
package imageio

import (
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	// DefaultZeroChunkSize is the write size used by ZeroRange.
	DefaultZeroChunkSize = 4096
	// DefaultCopyChunkSize is the read size used by CopyRange.
	DefaultCopyChunkSize = 8192
)

// ErrIO is matched by every *IOError.
var ErrIO = errors.New("image i/o failed")

// IOError reports a failed open, seek, read or write on an image or dump file.
type IOError struct {
	Op    string // open, seek, read, write, sync
	Path  string
	Cause error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Cause)
}

func (e *IOError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is ErrIO.
func (e *IOError) Is(target error) bool {
	return target == ErrIO
}

// ZeroRange overwrites length bytes of the file at path, starting at offset,
// with zeros. It never reads from the file. The last chunk is cut down to the
// bytes remaining so nothing past offset+length is touched.
func ZeroRange(path string, offset, length uint64, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = DefaultZeroChunkSize
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return &IOError{Op: "open", Path: path, Cause: err}
	}
	defer f.Close()

	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		return &IOError{Op: "seek", Path: path, Cause: err}
	}

	zeros := make([]byte, chunkSize)
	remaining := length
	for remaining > 0 {
		n := uint64(chunkSize)
		if remaining < n {
			n = remaining
		}
		if _, err := f.Write(zeros[:n]); err != nil {
			return &IOError{Op: "write", Path: path, Cause: err}
		}
		remaining -= n
	}

	if err := f.Sync(); err != nil {
		return &IOError{Op: "sync", Path: path, Cause: err}
	}

	return nil
}

// CopyRange copies at most length bytes from src, starting at offset, into
// the file at dst. dst is created or truncated. Reaching the end of src early
// is not an error; the returned count is then smaller than length.
func CopyRange(src, dst string, offset, length uint64, chunkSize int) (int64, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultCopyChunkSize
	}

	in, err := os.Open(src)
	if err != nil {
		return 0, &IOError{Op: "open", Path: src, Cause: err}
	}
	defer in.Close()

	if _, err := in.Seek(int64(offset), io.SeekStart); err != nil {
		return 0, &IOError{Op: "seek", Path: src, Cause: err}
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return 0, &IOError{Op: "open", Path: dst, Cause: err}
	}
	defer out.Close()

	buf := make([]byte, chunkSize)
	var copied int64
	remaining := length
	for remaining > 0 {
		want := uint64(len(buf))
		if remaining < want {
			want = remaining
		}

		n, rerr := in.Read(buf[:want])
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return copied, &IOError{Op: "write", Path: dst, Cause: err}
			}
			copied += int64(n)
			remaining -= uint64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return copied, &IOError{Op: "read", Path: src, Cause: rerr}
		}
		if n == 0 {
			// A reader returning 0, nil forever would spin here.
			break
		}
	}

	if err := out.Close(); err != nil {
		return copied, &IOError{Op: "write", Path: dst, Cause: err}
	}

	return copied, nil
}
