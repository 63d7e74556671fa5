package shardmeta

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"testing"
)

func TestShardMetaHasherMatchesWrittenBytes(t *testing.T) {
	m := NewShardMeta(0, "/tmp/whatever", "frame-1", []string{"bad-node"})

	payload := []byte("hello shard")
	if _, err := m.Hasher().Write(payload); err != nil {
		t.Fatal(err)
	}
	m.AddBytes(len(payload))

	want := sha256.Sum256(payload)
	if got := m.Hasher().Sum(nil); hex.EncodeToString(got) != hex.EncodeToString(want[:]) {
		t.Fatalf("hasher mismatch: got %x want %x", got, want)
	}
	if m.Size() != int64(len(payload)) {
		t.Fatalf("expected size %d, got %d", len(payload), m.Size())
	}
	if m.FrameID() != "frame-1" {
		t.Fatalf("unexpected frame id %q", m.FrameID())
	}
	if len(m.ExcludeFarmers()) != 1 || m.ExcludeFarmers()[0] != "bad-node" {
		t.Fatalf("unexpected exclude snapshot %v", m.ExcludeFarmers())
	}
}

func TestShardMetaTransferRetriesConcurrentIncrements(t *testing.T) {
	m := NewShardMeta(0, "", "", nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.IncTransferRetries()
		}()
	}
	wg.Wait()

	if m.TransferRetries() != 50 {
		t.Fatalf("expected 50 retries recorded, got %d", m.TransferRetries())
	}

	m.ResetTransferRetries()
	if m.TransferRetries() != 0 {
		t.Fatal("expected retry counter reset to 0")
	}
}

func TestShardMetaSetFinalHashAndExcludeFarmers(t *testing.T) {
	m := NewShardMeta(3, "/tmp/shard3", "frame-2", nil)

	if got := m.FinalHash(); got != "" {
		t.Fatalf("expected empty final hash before it's set, got %q", got)
	}
	m.SetFinalHash("deadbeef")
	if got := m.FinalHash(); got != "deadbeef" {
		t.Fatalf("unexpected final hash %q", got)
	}

	m.SetExcludeFarmers([]string{"n1", "n2"})
	exclude := m.ExcludeFarmers()
	if len(exclude) != 2 || exclude[0] != "n1" || exclude[1] != "n2" {
		t.Fatalf("unexpected exclude snapshot after update: %v", exclude)
	}
}
