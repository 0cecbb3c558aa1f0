package loop

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jgarman/partmount/internal/system"
)

func TestWithDetachesAfterSuccess(t *testing.T) {
	f := &Fake{}
	cfg := Config{Offset: 1048576, SizeLimit: 524288}

	var seen string
	err := With(context.Background(), f, "disk.img", cfg, func(dev *Device) error {
		seen = dev.Path
		got, ok := f.Config(dev.Path)
		if !ok {
			t.Errorf("device %s should be attached inside body", dev.Path)
		}
		if got != cfg {
			t.Errorf("attached with %+v, want %+v", got, cfg)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("With failed: %v", err)
	}

	if detached := f.Detached(); len(detached) != 1 || detached[0] != seen {
		t.Errorf("expected exactly one detach of %s, got %v", seen, detached)
	}
	if f.Attached() != 0 {
		t.Errorf("leaked %d loop devices", f.Attached())
	}
}

func TestWithDetachesAfterBodyFailure(t *testing.T) {
	f := &Fake{}
	bodyErr := errors.New("mkfs.ext4 failed")

	calls := 0
	err := With(context.Background(), f, "disk.img", Config{}, func(*Device) error {
		calls++
		return bodyErr
	})
	if !errors.Is(err, bodyErr) {
		t.Fatalf("expected body error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("body ran %d times, want 1", calls)
	}
	if got := len(f.Detached()); got != 1 {
		t.Errorf("detach called %d times, want 1", got)
	}
	if f.Attached() != 0 {
		t.Errorf("leaked %d loop devices", f.Attached())
	}
}

func TestWithDetachesAfterPanic(t *testing.T) {
	f := &Fake{}

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic to propagate")
			}
		}()
		_ = With(context.Background(), f, "disk.img", Config{}, func(*Device) error {
			panic("boom")
		})
	}()

	if got := len(f.Detached()); got != 1 {
		t.Errorf("detach called %d times, want 1", got)
	}
}

func TestWithAttachFailureSkipsBody(t *testing.T) {
	f := &Fake{AttachErr: errors.New("no free loop device")}

	called := false
	err := With(context.Background(), f, "disk.img", Config{Offset: 512}, func(*Device) error {
		called = true
		return nil
	})
	if called {
		t.Error("body must not run when attach fails")
	}
	if !errors.Is(err, ErrLoopAcquire) {
		t.Fatalf("expected ErrLoopAcquire, got %v", err)
	}
	var attachErr *AttachError
	if !errors.As(err, &attachErr) || attachErr.Offset != 512 {
		t.Errorf("expected *AttachError with offset 512, got %v", err)
	}
	if len(f.Detached()) != 0 {
		t.Error("nothing was attached, nothing should be detached")
	}
}

func TestWithDetachFailureIsNotEscalated(t *testing.T) {
	f := &Fake{DetachErr: errors.New("device busy")}

	err := With(context.Background(), f, "disk.img", Config{}, func(*Device) error {
		return nil
	})
	if err != nil {
		t.Fatalf("detach failure should not fail the operation: %v", err)
	}
	if got := len(f.Detached()); got != 1 {
		t.Errorf("detach called %d times, want 1", got)
	}
}

func TestWithBodyErrorTakesPrecedence(t *testing.T) {
	f := &Fake{DetachErr: errors.New("device busy")}
	bodyErr := errors.New("body failed")

	err := With(context.Background(), f, "disk.img", Config{}, func(*Device) error {
		return bodyErr
	})
	if !errors.Is(err, bodyErr) {
		t.Fatalf("expected body error, got %v", err)
	}
	if errors.Is(err, ErrLoopDetach) {
		t.Error("detach error must not replace the body error")
	}
}

func TestWithDetachesAfterCancel(t *testing.T) {
	f := &Fake{}
	ctx, cancel := context.WithCancel(context.Background())

	_ = With(ctx, f, "disk.img", Config{}, func(*Device) error {
		cancel()
		return ctx.Err()
	})

	if got := len(f.Detached()); got != 1 {
		t.Errorf("detach called %d times, want 1", got)
	}
}

func TestLosetupAttach(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		wantArgs string
	}{
		{
			name:     "offset only",
			cfg:      Config{Offset: 1048576},
			wantArgs: "losetup --find --show --offset 1048576 /tmp/disk.img",
		},
		{
			name:     "offset and size limit",
			cfg:      Config{Offset: 4096, SizeLimit: 8192},
			wantArgs: "losetup --find --show --offset 4096 --sizelimit 8192 /tmp/disk.img",
		},
		{
			name:     "read only",
			cfg:      Config{ReadOnly: true},
			wantArgs: "losetup --find --show --offset 0 --read-only /tmp/disk.img",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &system.FakeRunner{Handler: func(string, []string) (system.Result, error) {
				return system.Result{Stdout: []byte("/dev/loop7\n")}, nil
			}}

			dev, err := NewLosetup(r, "").Attach(context.Background(), "/tmp/disk.img", tt.cfg)
			if err != nil {
				t.Fatalf("Attach failed: %v", err)
			}
			if dev.Path != "/dev/loop7" || dev.Number != 7 {
				t.Errorf("got device %+v, want /dev/loop7 (7)", dev)
			}

			calls := r.Calls()
			if len(calls) != 1 {
				t.Fatalf("expected 1 call, got %d", len(calls))
			}
			if got := calls[0].String(); got != tt.wantArgs {
				t.Errorf("command = %q, want %q", got, tt.wantArgs)
			}
		})
	}
}

func TestLosetupAttachFailure(t *testing.T) {
	tests := []struct {
		name    string
		result  system.Result
		wantMsg string
	}{
		{
			name:    "non-zero exit",
			result:  system.Result{ExitCode: 1, Stderr: []byte("losetup: /tmp/disk.img: failed to set up loop device: Device or resource busy\n")},
			wantMsg: "Device or resource busy",
		},
		{
			name:    "no device printed",
			result:  system.Result{Stdout: []byte("  \n")},
			wantMsg: "failed to obtain loop device",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &system.FakeRunner{Handler: func(string, []string) (system.Result, error) {
				return tt.result, nil
			}}

			_, err := NewLosetup(r, "").Attach(context.Background(), "/tmp/disk.img", Config{})
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not contain %q", err, tt.wantMsg)
			}
		})
	}
}

func TestLosetupDetach(t *testing.T) {
	r := &system.FakeRunner{}
	l := NewLosetup(r, "/usr/sbin/losetup")

	if err := l.Detach(context.Background(), &Device{Path: "/dev/loop3", Number: 3}); err != nil {
		t.Fatalf("Detach failed: %v", err)
	}
	calls := r.CallsTo("/usr/sbin/losetup")
	if len(calls) != 1 || calls[0].String() != "/usr/sbin/losetup -d /dev/loop3" {
		t.Errorf("unexpected calls: %v", r.Calls())
	}

	r.Handler = func(string, []string) (system.Result, error) {
		return system.Result{ExitCode: 1, Stderr: []byte("No such device or address")}, nil
	}
	err := l.Detach(context.Background(), &Device{Path: "/dev/loop3"})
	if err == nil || !strings.Contains(err.Error(), "No such device") {
		t.Errorf("expected diagnostic in error, got %v", err)
	}
}

func TestDeviceNumber(t *testing.T) {
	tests := map[string]int{
		"/dev/loop0":  0,
		"/dev/loop12": 12,
		"/dev/sda":    -1,
		"/dev/loopX":  -1,
		"":            -1,
	}
	for path, want := range tests {
		if got := deviceNumber(path); got != want {
			t.Errorf("deviceNumber(%q) = %d, want %d", path, got, want)
		}
	}
}
