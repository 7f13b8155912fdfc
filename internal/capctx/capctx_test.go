package capctx

import (
	"errors"
	"testing"

	"github.com/axrxvm/aos/internal/config"
)

func TestCapabilityDeniedWithoutBit(t *testing.T) {
	ctx := New("netdrv", 0, nil, nil, nil, config.NewEnvTable())

	if _, err := ctx.Getenv("HOME"); !errors.Is(err, ErrCapability) {
		t.Fatalf("expected ErrCapability, got %v", err)
	}
}

func TestCapabilityGrantedAllowsCall(t *testing.T) {
	ctx := New("netdrv", CapEnv, nil, nil, nil, config.NewEnvTable())

	v, err := ctx.Getenv("HOME")
	if err != nil {
		t.Fatalf("Getenv: %v", err)
	}

	if v != "/home" {
		t.Fatalf("Getenv = %q, want /home", v)
	}
}

func TestTimerFiresOnlyWhenDue(t *testing.T) {
	ctx := New("timerdrv", CapTimer, nil, nil, nil, config.NewEnvTable())

	fired := 0
	id, err := ctx.CreateTimer(100, 0, func() { fired++ })
	if err != nil {
		t.Fatalf("CreateTimer: %v", err)
	}

	ctx.FireDue(50)
	if fired != 0 {
		t.Fatal("fired before deadline")
	}

	ctx.FireDue(100)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}

	ctx.FireDue(200)
	if fired != 1 {
		t.Fatal("one-shot timer fired again")
	}

	_ = id
}

func TestPeriodicTimerReschedules(t *testing.T) {
	ctx := New("timerdrv", CapTimer, nil, nil, nil, config.NewEnvTable())

	fired := 0
	_, _ = ctx.CreateTimer(10, 10, func() { fired++ })

	ctx.FireDue(10)
	ctx.FireDue(20)
	ctx.FireDue(30)

	if fired != 3 {
		t.Fatalf("fired = %d, want 3", fired)
	}
}
