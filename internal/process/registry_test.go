package process

import (
	"testing"
	"time"
)

func newTestRegistry(max int) (*Registry, *[]int) {
	r := NewRegistry(max, nil)
	killed := &[]int{}
	r.kill = func(pid int) error {
		*killed = append(*killed, pid)
		return nil
	}
	r.alive = func(pid int) bool { return true }
	return r, killed
}

func TestRegisterCapacity(t *testing.T) {
	r, _ := newTestRegistry(2)

	if !r.Register(100, "shell") || !r.Register(101, "browser") {
		t.Fatal("registrations under capacity refused")
	}
	if !r.AtCapacity() {
		t.Error("AtCapacity = false at capacity")
	}
	if r.Register(102, "extra") {
		t.Error("registration over capacity accepted")
	}

	r.Unregister(100)
	if r.AtCapacity() {
		t.Error("AtCapacity = true after unregister")
	}
	if !r.Register(102, "extra") {
		t.Error("registration after unregister refused")
	}
}

func TestReapExpired(t *testing.T) {
	r, killed := newTestRegistry(10)
	base := time.Now()

	r.now = func() time.Time { return base.Add(-2 * time.Hour) }
	r.Register(200, "old shell")
	r.now = func() time.Time { return base }
	r.Register(201, "fresh shell")

	reaped := r.ReapExpired(time.Hour)
	if len(reaped) != 1 || reaped[0] != 200 {
		t.Fatalf("reaped = %v, want [200]", reaped)
	}
	if len(*killed) != 1 || (*killed)[0] != 200 {
		t.Errorf("killed = %v, want [200]", *killed)
	}

	list := r.List()
	if len(list) != 1 || list[0].PID != 201 {
		t.Errorf("remaining = %v, want only 201", list)
	}
}

func TestCleanupDead(t *testing.T) {
	r, _ := newTestRegistry(10)
	r.Register(300, "a")
	r.Register(301, "b")
	r.alive = func(pid int) bool { return pid == 301 }

	if removed := r.CleanupDead(); removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	list := r.List()
	if len(list) != 1 || list[0].PID != 301 {
		t.Errorf("remaining = %v, want only 301", list)
	}
}
