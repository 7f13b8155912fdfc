package sandbox

import (
	"errors"
	"testing"
)

func TestImmutableRejectsFurtherChanges(t *testing.T) {
	s := New(CageStandard)
	s.Lock()

	if err := s.SetFilter(AllowIORead); !errors.Is(err, ErrImmutable) {
		t.Fatalf("expected ErrImmutable, got %v", err)
	}

	if err := s.Allow(AllowIORead); !errors.Is(err, ErrImmutable) {
		t.Fatalf("expected ErrImmutable, got %v", err)
	}

	if err := s.SetLimits(Limits{MaxFiles: 4}); !errors.Is(err, ErrImmutable) {
		t.Fatalf("expected ErrImmutable, got %v", err)
	}
}

func TestAllowedRequiresEveryBit(t *testing.T) {
	s := New(CageStandard)
	_ = s.Allow(AllowIORead | AllowTime)

	if s.Allowed(AllowIOWrite) {
		t.Fatal("write should not be allowed")
	}

	if !s.Allowed(AllowIORead) {
		t.Fatal("read should be allowed")
	}

	if !s.Allowed(AllowIORead | AllowTime) {
		t.Fatal("combined read+time should be allowed")
	}
}

func TestResolvePathBlocksEscape(t *testing.T) {
	s := New(CageStrict)
	_ = s.SetCageRoot("/home/user")

	if _, err := s.ResolvePath("../../etc/passwd"); !errors.Is(err, ErrEscape) {
		t.Fatalf("expected ErrEscape, got %v", err)
	}

	resolved, err := s.ResolvePath("docs/file.txt")
	if err != nil {
		t.Fatalf("ResolvePath: %v", err)
	}

	if resolved != "/home/user/docs/file.txt" {
		t.Fatalf("resolved = %q", resolved)
	}
}

func TestLimitsZeroMeansUnlimited(t *testing.T) {
	s := New(CageNone)

	if s.MemoryExceeded(1 << 40) {
		t.Fatal("zero limit should mean unlimited")
	}
}
