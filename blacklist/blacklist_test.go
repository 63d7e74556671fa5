package blacklist

import (
	"os"
	"path/filepath"
	"testing"
)

// newTestingBlacklist mirrors the teacher's newTestingWal helper
// (modules/renter/files_test.go): a fresh temp directory per test.
func newTestingBlacklist(t *testing.T) *Blacklist {
	t.Helper()
	dir := filepath.Join(os.TempDir(), "bridgeclient-blacklist-test", t.Name())
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatal(err)
	}
	b, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		b.Close()
		os.RemoveAll(dir)
	})
	return b
}

// TestAddContains verifies the monotonicity invariant (spec.md §8
// property 5): once added, a node id is visible to every subsequent
// Contains/Snapshot call.
func TestAddContains(t *testing.T) {
	b := newTestingBlacklist(t)

	if b.Contains("farmer-1") {
		t.Fatal("farmer-1 should not be blacklisted yet")
	}
	if err := b.Add("farmer-1"); err != nil {
		t.Fatal(err)
	}
	if !b.Contains("farmer-1") {
		t.Fatal("farmer-1 should be blacklisted after Add")
	}

	snap := b.Snapshot()
	found := false
	for _, id := range snap {
		if id == "farmer-1" {
			found = true
		}
	}
	if !found {
		t.Fatal("farmer-1 missing from snapshot")
	}
}

// TestSnapshotIsImmutableCopy verifies mutating a returned snapshot slice
// doesn't affect the blacklist's own state.
func TestSnapshotIsImmutableCopy(t *testing.T) {
	b := newTestingBlacklist(t)
	if err := b.Add("farmer-a"); err != nil {
		t.Fatal(err)
	}
	snap := b.Snapshot()
	snap[0] = "tampered"
	if !b.Contains("farmer-a") {
		t.Fatal("mutating the snapshot slice must not affect the blacklist")
	}
}

// TestPersistsAcrossReopen verifies Add durably persists before returning,
// surviving a close/reopen cycle against the same backing directory.
func TestPersistsAcrossReopen(t *testing.T) {
	dir := filepath.Join(os.TempDir(), "bridgeclient-blacklist-test", "reopen")
	os.RemoveAll(dir)
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	b1, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := b1.Add("farmer-durable"); err != nil {
		t.Fatal(err)
	}
	if err := b1.Close(); err != nil {
		t.Fatal(err)
	}

	b2, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer b2.Close()
	if !b2.Contains("farmer-durable") {
		t.Fatal("blacklist entry did not survive reopen")
	}
}
