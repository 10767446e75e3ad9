package generations

import (
	"errors"
	"testing"
)

func TestTransitionOrdering(t *testing.T) {
	allowed := [][2]Status{
		{StatusPending, StatusRunning},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusFailed},
	}
	for _, tc := range allowed {
		if err := Transition(tc[0], tc[1]); err != nil {
			t.Fatalf("%s -> %s: %v", tc[0], tc[1], err)
		}
	}
	rejected := [][2]Status{
		{StatusPending, StatusCompleted},
		{StatusPending, StatusFailed},
		{StatusRunning, StatusPending},
		{StatusCompleted, StatusFailed},
		{StatusFailed, StatusRunning},
		{StatusCompleted, StatusCompleted},
	}
	for _, tc := range rejected {
		if err := Transition(tc[0], tc[1]); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s -> %s should be rejected, got %v", tc[0], tc[1], err)
		}
	}
}

func TestMemStoreUpdateKeepsQueueID(t *testing.T) {
	s := NewMemStore()
	g, err := s.Create(&Generation{ID: "g1", InstanceID: "i1", QueueID: "q1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if g.Status != StatusPending {
		t.Fatalf("expected pending default, got %s", g.Status)
	}
	updated, err := s.Update("g1", func(next *Generation) error {
		next.QueueID = "other"
		next.InstanceID = "i2"
		next.Status = StatusRunning
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.QueueID != "q1" || updated.InstanceID != "i1" {
		t.Fatalf("identity fields changed: %#v", updated)
	}
}

func TestMemStoreRejectedUpdateLeavesRecord(t *testing.T) {
	s := NewMemStore()
	_, _ = s.Create(&Generation{ID: "g1", InstanceID: "i1"})
	_, err := s.Update("g1", func(next *Generation) error {
		next.Error = "partial"
		return Transition(next.Status, StatusCompleted)
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	got, _ := s.Get("g1")
	if got.Error != "" || got.Status != StatusPending {
		t.Fatalf("record mutated by rejected update: %#v", got)
	}
}

func TestMemStoreListFilter(t *testing.T) {
	s := NewMemStore()
	_, _ = s.Create(&Generation{ID: "a", InstanceID: "i1"})
	_, _ = s.Create(&Generation{ID: "b", InstanceID: "i2"})
	list, err := s.List(Filter{InstanceID: "i2"})
	if err != nil || len(list) != 1 || list[0].ID != "b" {
		t.Fatalf("unexpected list %v %v", list, err)
	}
	if err := s.Delete("a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get("a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
