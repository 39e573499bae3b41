package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func createTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return store, dbPath
}

func TestNewStore(t *testing.T) {
	store, dbPath := createTestStore(t)
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
}

func TestStoreCheckpoint(t *testing.T) {
	store, _ := createTestStore(t)
	defer store.Close()

	seq, err := store.Checkpoint("http://couch:5984")
	if err != nil {
		t.Fatalf("Failed to read checkpoint: %v", err)
	}
	if seq != "" {
		t.Errorf("Expected empty checkpoint, got '%s'", seq)
	}

	if err := store.SetCheckpoint("http://couch:5984", "42-abc"); err != nil {
		t.Fatalf("Failed to set checkpoint: %v", err)
	}
	if err := store.SetCheckpoint("http://couch:5984", "43-def"); err != nil {
		t.Fatalf("Failed to set checkpoint: %v", err)
	}

	seq, err = store.Checkpoint("http://couch:5984")
	if err != nil {
		t.Fatalf("Failed to read checkpoint: %v", err)
	}
	if seq != "43-def" {
		t.Errorf("Expected '43-def', got '%s'", seq)
	}

	all, err := store.Checkpoints()
	if err != nil {
		t.Fatalf("Failed to list checkpoints: %v", err)
	}
	if len(all) != 1 || all["http://couch:5984"] != "43-def" {
		t.Errorf("Unexpected checkpoints: %v", all)
	}
}

func TestStoreClientIDStable(t *testing.T) {
	store, dbPath := createTestStore(t)

	id1, err := store.ClientID()
	if err != nil {
		t.Fatalf("Failed to get client id: %v", err)
	}
	if id1 == "" {
		t.Fatal("Client id is empty")
	}

	id2, err := store.ClientID()
	if err != nil {
		t.Fatalf("Failed to get client id: %v", err)
	}
	if id1 != id2 {
		t.Errorf("Client id changed within a run: %s != %s", id1, id2)
	}

	// Survives reopen
	store.Close()
	store, err = NewStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer store.Close()

	id3, err := store.ClientID()
	if err != nil {
		t.Fatalf("Failed to get client id: %v", err)
	}
	if id3 != id1 {
		t.Errorf("Client id changed across reopen: %s != %s", id1, id3)
	}
}

func TestStoreClear(t *testing.T) {
	store, _ := createTestStore(t)
	defer store.Close()

	id1, _ := store.ClientID()
	store.SetCheckpoint("ws://host", "7")

	if err := store.Clear(); err != nil {
		t.Fatalf("Failed to clear store: %v", err)
	}

	seq, _ := store.Checkpoint("ws://host")
	if seq != "" {
		t.Errorf("Expected checkpoint to be cleared, got '%s'", seq)
	}

	id2, _ := store.ClientID()
	if id1 == id2 {
		t.Error("Expected a new client id after clear")
	}
}
