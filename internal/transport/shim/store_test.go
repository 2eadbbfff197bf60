package shim

import (
	"testing"
)

func TestSessionStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := openSessionStore(dir, "ws-1")
	if got := store.Get("conv-1"); got != "" {
		t.Fatalf("empty store returned %q", got)
	}
	if err := store.Set("conv-1", "sess-1"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	reopened := openSessionStore(dir, "ws-1")
	if got := reopened.Get("conv-1"); got != "sess-1" {
		t.Fatalf("reopened store returned %q", got)
	}
}

func TestSessionStoreCopy(t *testing.T) {
	store := openSessionStore(t.TempDir(), "ws-1")
	if err := store.Copy("conv-missing", "conv-2"); err != nil {
		t.Fatalf("Copy of unknown source: %v", err)
	}
	if got := store.Get("conv-2"); got != "" {
		t.Fatalf("copy of unknown source produced %q", got)
	}

	if err := store.Set("conv-1", "sess-1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store.Copy("conv-1", "conv-2"); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if got := store.Get("conv-2"); got != "sess-1" {
		t.Fatalf("copied session is %q", got)
	}
}

func TestSessionStoreIsolatedPerWorkspace(t *testing.T) {
	dir := t.TempDir()
	a := openSessionStore(dir, "ws-a")
	if err := a.Set("conv-1", "sess-a"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	b := openSessionStore(dir, "ws-b")
	if got := b.Get("conv-1"); got != "" {
		t.Fatalf("workspace stores leaked: %q", got)
	}
}
