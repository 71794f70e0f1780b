package ports

import (
	"testing"

	"github.com/forgehook/forgehook/internal/errdefs"
)

func TestAllocateLowestFree(t *testing.T) {
	a := NewAllocator(4001, 4003)

	p1, err := a.Allocate("one")
	if err != nil || p1 != 4001 {
		t.Fatalf("first Allocate = %d, %v; want 4001", p1, err)
	}
	p2, _ := a.Allocate("two")
	if p2 != 4002 {
		t.Fatalf("second Allocate = %d, want 4002", p2)
	}

	a.Release(4001)
	p3, _ := a.Allocate("three")
	if p3 != 4001 {
		t.Errorf("Allocate after release = %d, want 4001", p3)
	}
}

func TestExhaustion(t *testing.T) {
	a := NewAllocator(4001, 4002)
	a.Allocate("one")
	a.Allocate("two")

	_, err := a.Allocate("three")
	if !errdefs.IsCode(err, errdefs.CodeNoPortsAvailable) {
		t.Errorf("expected NO_PORTS_AVAILABLE, got %v", err)
	}

	// Release makes the range usable again.
	a.Release(4002)
	if p, err := a.Allocate("four"); err != nil || p != 4002 {
		t.Errorf("Allocate after release = %d, %v", p, err)
	}
}

func TestReserveAndIdempotentRelease(t *testing.T) {
	a := NewAllocator(4001, 4005)
	a.Reserve(4003, "restored")

	p, _ := a.Allocate("new")
	if p != 4001 {
		t.Errorf("Allocate = %d, want 4001", p)
	}
	// 4003 must be skipped.
	a.Allocate("x")
	p3, _ := a.Allocate("y")
	if p3 != 4004 {
		t.Errorf("Allocate skipping reserved = %d, want 4004", p3)
	}

	a.Release(4003)
	a.Release(4003) // no-op
	if !a.InRange(4003) {
		t.Error("InRange(4003) = false")
	}
	if a.InRange(5000) {
		t.Error("InRange(5000) = true")
	}
}
