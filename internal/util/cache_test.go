package util

import (
	"fmt"
	"sync"
	"testing"
)

func TestNewSeenSet(t *testing.T) {
	set, err := NewSeenSet(10)
	if err != nil {
		t.Fatalf("Failed to create set: %v", err)
	}
	if set == nil {
		t.Fatal("Set is nil")
	}

	if _, err := NewSeenSet(0); err == nil {
		t.Error("Expected error for zero size")
	}
}

func TestSeenSetAddSeen(t *testing.T) {
	set, err := NewSeenSet(10)
	if err != nil {
		t.Fatalf("Failed to create set: %v", err)
	}

	set.Add("doc-1")

	if !set.Seen("doc-1") {
		t.Error("Expected doc-1 to be seen")
	}
	if set.Seen("doc-2") {
		t.Error("Expected doc-2 to not be seen")
	}
}

func TestSeenSetCheckAndAdd(t *testing.T) {
	set, err := NewSeenSet(10)
	if err != nil {
		t.Fatalf("Failed to create set: %v", err)
	}

	if set.CheckAndAdd("frame-1") {
		t.Error("First CheckAndAdd should report unseen")
	}
	if !set.CheckAndAdd("frame-1") {
		t.Error("Second CheckAndAdd should report seen")
	}
	if set.Len() != 1 {
		t.Errorf("Expected length 1, got %d", set.Len())
	}
}

func TestSeenSetEviction(t *testing.T) {
	set, err := NewSeenSet(3)
	if err != nil {
		t.Fatalf("Failed to create set: %v", err)
	}

	set.Add("a")
	set.Add("b")
	set.Add("c")
	set.Add("d") // evicts "a"

	if set.Seen("a") {
		t.Error("Expected a to be evicted")
	}
	for _, key := range []string{"b", "c", "d"} {
		if !set.Seen(key) {
			t.Errorf("Expected %s to be seen", key)
		}
	}
	if set.Len() != 3 {
		t.Errorf("Expected length 3, got %d", set.Len())
	}
}

func TestSeenSetConcurrent(t *testing.T) {
	set, err := NewSeenSet(1000)
	if err != nil {
		t.Fatalf("Failed to create set: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	firsts := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if !set.CheckAndAdd(fmt.Sprintf("key-%d", j)) {
					mu.Lock()
					firsts++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if firsts != 100 {
		t.Errorf("Expected each key to be new exactly once, got %d firsts", firsts)
	}
}
