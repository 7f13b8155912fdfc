package proc

import (
	"errors"
	"testing"

	"github.com/axrxvm/aos/internal/vfs"
)

type stubFile struct{}

func (stubFile) Read([]byte) (int, error)      { return 0, nil }
func (stubFile) Write([]byte) (int, error)     { return 0, nil }
func (stubFile) Seek(int64, int) (int64, error) { return 0, nil }
func (stubFile) Readdir() ([]vfs.DirEntry, error) { return nil, nil }
func (stubFile) Stat() (vfs.Stat, error)       { return vfs.Stat{}, nil }
func (stubFile) Close() error                  { return nil }

func TestAllocFDReusesLowestFreeSlot(t *testing.T) {
	p := &PCB{}

	fd0, err := p.AllocFD(stubFile{})
	if err != nil || fd0 != 0 {
		t.Fatalf("AllocFD = %d, %v", fd0, err)
	}

	fd1, err := p.AllocFD(stubFile{})
	if err != nil || fd1 != 1 {
		t.Fatalf("AllocFD = %d, %v", fd1, err)
	}

	if err := p.CloseFD(fd0); err != nil {
		t.Fatalf("CloseFD: %v", err)
	}

	fd2, err := p.AllocFD(stubFile{})
	if err != nil || fd2 != 0 {
		t.Fatalf("AllocFD after close = %d, %v, want 0", fd2, err)
	}
}

func TestFDBoundsChecked(t *testing.T) {
	p := &PCB{}

	if _, err := p.FD(0); !errors.Is(err, ErrBadFD) {
		t.Fatalf("expected ErrBadFD, got %v", err)
	}
}

func TestAllocFDFailsWhenTableFull(t *testing.T) {
	p := &PCB{}

	for i := 0; i < MaxOpenFiles; i++ {
		if _, err := p.AllocFD(stubFile{}); err != nil {
			t.Fatalf("AllocFD %d: %v", i, err)
		}
	}

	if _, err := p.AllocFD(stubFile{}); !errors.Is(err, ErrLimit) {
		t.Fatalf("expected ErrLimit, got %v", err)
	}
}
