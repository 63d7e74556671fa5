package upload

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/xtaci/smux"
	"gitlab.com/NebulousLabs/errors"

	"github.com/storjlib/bridgeclient/blacklist"
	"github.com/storjlib/bridgeclient/bridge"
	"github.com/storjlib/bridgeclient/config"
	"github.com/storjlib/bridgeclient/shardmeta"
)

// fakeFarmerDialer hands back one side of an in-memory pipe per dial and
// records the last shard payload an smux server on the other side receives
// for each farmer, keyed by the contact's node id, so tests can assert on
// transferred bytes without a real farmer.
type fakeFarmerDialer struct {
	mu       sync.Mutex
	received map[string][]byte
	fail     map[string]int // nodeID -> remaining failures before success
}

func newFakeFarmerDialer() *fakeFarmerDialer {
	return &fakeFarmerDialer{received: map[string][]byte{}, fail: map[string]int{}}
}

func (d *fakeFarmerDialer) Dial(contact shardmeta.Contact) (net.Conn, error) {
	client, server := net.Pipe()

	d.mu.Lock()
	remaining := d.fail[contact.NodeID]
	d.mu.Unlock()
	if remaining > 0 {
		d.mu.Lock()
		d.fail[contact.NodeID]--
		d.mu.Unlock()
		client.Close()
		server.Close()
		return nil, errDial
	}

	go func() {
		session, err := smux.Server(server, smux.DefaultConfig())
		if err != nil {
			return
		}
		defer session.Close()
		stream, err := session.AcceptStream()
		if err != nil {
			return
		}
		defer stream.Close()
		buf := make([]byte, 0, 1<<20)
		chunk := make([]byte, 4096)
		for {
			n, rerr := stream.Read(chunk)
			if n > 0 {
				buf = append(buf, chunk[:n]...)
			}
			if rerr != nil {
				break
			}
		}
		d.mu.Lock()
		d.received[contact.NodeID] = buf
		d.mu.Unlock()
	}()

	return client, nil
}

// gatedFarmerDialer wraps a fakeFarmerDialer so the first Dial proceeds
// immediately (closing firstDialed) while every subsequent Dial blocks
// until block is closed, giving a test a deterministic window to kill an
// upload after one shard has started transferring but before any other
// shard reaches the farmer.
type gatedFarmerDialer struct {
	*fakeFarmerDialer
	calls       int32
	firstDialed chan struct{}
	block       chan struct{}
}

func (d *gatedFarmerDialer) Dial(contact shardmeta.Contact) (net.Conn, error) {
	if atomic.AddInt32(&d.calls, 1) == 1 {
		conn, err := d.fakeFarmerDialer.Dial(contact)
		close(d.firstDialed)
		return conn, err
	}
	<-d.block
	return d.fakeFarmerDialer.Dial(contact)
}

type dialError struct{}

func (dialError) Error() string { return "dial failed" }

var errDial = dialError{}

// fakeBridgeState backs an in-process httprouter bridge double implementing
// just enough of the REST surface for StoreFileInBucket to run end to end.
// It hands out farmerIDs[0] unless that id appears in the request's
// exclude list, in which case it rotates to the next farmer id, letting
// tests exercise the blacklist-then-rotate path (spec.md §4.7).
type fakeBridgeState struct {
	mu            sync.Mutex
	frames        map[string][]bridge.AddShardRequest
	farmerIDs     []string
	finalizeCalls int
}

func newFakeBridge(t *testing.T, farmerIDs ...string) (*httptest.Server, *fakeBridgeState) {
	t.Helper()
	state := &fakeBridgeState{frames: map[string][]bridge.AddShardRequest{}, farmerIDs: farmerIDs}
	router := httprouter.New()

	router.POST("/frames", func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		state.mu.Lock()
		id := "frame-1"
		state.frames[id] = nil
		state.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]interface{}{"id": id, "shards": []interface{}{}})
	})
	router.DELETE("/frames/:id", func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		w.WriteHeader(http.StatusOK)
	})
	router.PUT("/frames/:id", func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		var req bridge.AddShardRequest
		json.NewDecoder(r.Body).Decode(&req)
		state.mu.Lock()
		state.frames[ps.ByName("id")] = append(state.frames[ps.ByName("id")], req)
		farmer := state.farmerIDs[0]
		for _, candidate := range state.farmerIDs {
			excluded := false
			for _, ex := range req.Exclude {
				if ex == candidate {
					excluded = true
					break
				}
			}
			if !excluded {
				farmer = candidate
				break
			}
		}
		state.mu.Unlock()
		json.NewEncoder(w).Encode(shardmeta.Pointer{
			Farmer: shardmeta.Contact{NodeID: farmer, Address: "127.0.0.1", Port: 1},
			Token:  "push-token",
			Hash:   req.Hash,
			Size:   req.Size,
			Index:  req.Index,
		})
	})
	router.POST("/buckets/:id/files", func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		state.mu.Lock()
		state.finalizeCalls++
		state.mu.Unlock()
		json.NewEncoder(w).Encode(bridge.BucketFile{ID: "file-1", Filename: "example.txt", Mimetype: "text/plain", Size: 42})
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, state
}

func testTransport(t *testing.T, baseURI string) *bridge.Transport {
	t.Helper()
	cfg := config.Config{
		BaseURI:   baseURI,
		BasicAuth: &config.BasicAuth{Email: "user@example.com", Password: "pw"},
	}
	if err := cfg.Normalize(); err != nil {
		t.Fatal(err)
	}
	transport, err := bridge.NewTransport(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return transport
}

func TestStoreFileInBucketEndToEnd(t *testing.T) {
	srv, _ := newFakeBridge(t, "farmer-1")
	transport := testTransport(t, srv.URL)

	dir := filepath.Join(os.TempDir(), "bridgeclient-upload-test")
	os.MkdirAll(dir, 0700)
	bl, err := blacklist.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer bl.Close()
	defer os.RemoveAll(dir)

	dialer := newFakeFarmerDialer()

	cfg := config.Config{Concurrency: 2, ShardConcurrency: 2, TransferRetries: 3, ContractRetries: 3, AuditChallenges: 3}
	cfg.Normalize()

	orch := New(transport, bl, dialer, nil, cfg)

	src := filepath.Join(os.TempDir(), "bridgeclient-upload-src.txt")
	payload := make([]byte, 20*1024*1024)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	if err := os.WriteFile(src, payload, 0600); err != nil {
		t.Fatal(err)
	}
	defer os.Remove(src)

	resultc := make(chan *FinalizeResult, 1)
	errc := make(chan error, 1)
	orch.StoreFileInBucket(context.Background(), "abcdefabcdefabcdefabcdef", "push-token", src, func(res *FinalizeResult, err error) {
		if err != nil {
			errc <- err
			return
		}
		resultc <- res
	})

	select {
	case err := <-errc:
		t.Fatalf("upload failed: %v", err)
	case res := <-resultc:
		if res.File.ID != "file-1" {
			t.Fatalf("unexpected finalize result: %+v", res)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for upload to complete")
	}
}

// TestStoreFileInBucketRotatesFarmerOnTransferFailure verifies spec.md
// §4.7: once a farmer exhausts transferRetries, it is blacklisted and a
// fresh contract is acquired excluding it.
func TestStoreFileInBucketRotatesFarmerOnTransferFailure(t *testing.T) {
	srv, _ := newFakeBridge(t, "farmer-bad", "farmer-good")
	transport := testTransport(t, srv.URL)

	dir := filepath.Join(os.TempDir(), "bridgeclient-upload-rotate-test")
	os.MkdirAll(dir, 0700)
	bl, err := blacklist.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer bl.Close()
	defer os.RemoveAll(dir)

	dialer := newFakeFarmerDialer()
	dialer.fail["farmer-bad"] = 10 // always fails until blacklisted

	cfg := config.Config{Concurrency: 1, ShardConcurrency: 1, TransferRetries: 2, ContractRetries: 3, AuditChallenges: 3}
	cfg.Normalize()

	orch := New(transport, bl, dialer, nil, cfg)

	src := filepath.Join(os.TempDir(), "bridgeclient-upload-rotate-src.txt")
	if err := os.WriteFile(src, []byte("small shard payload"), 0600); err != nil {
		t.Fatal(err)
	}
	defer os.Remove(src)

	resultc := make(chan *FinalizeResult, 1)
	errc := make(chan error, 1)
	orch.StoreFileInBucket(context.Background(), "abcdefabcdefabcdefabcdef", "push-token", src, func(res *FinalizeResult, err error) {
		if err != nil {
			errc <- err
			return
		}
		resultc <- res
	})

	select {
	case err := <-errc:
		t.Fatalf("upload failed: %v", err)
	case <-resultc:
		if !bl.Contains("farmer-bad") {
			t.Fatal("expected farmer-bad to be blacklisted after exhausting transfer retries")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for upload to complete")
	}
}

// TestStoreFileInBucketKillMidUploadCancelsAndCleansUp verifies scenario
// S4 (spec.md §8): killing an upload after one shard has begun
// transferring delivers exactly one callback carrying a Cancelled-class
// error, never reaches the finalize POST, and removes every tracked
// temp file from disk (Testable Property #6).
func TestStoreFileInBucketKillMidUploadCancelsAndCleansUp(t *testing.T) {
	srv, bridgeState := newFakeBridge(t, "farmer-1")
	transport := testTransport(t, srv.URL)

	dir := filepath.Join(os.TempDir(), "bridgeclient-upload-kill-test")
	os.MkdirAll(dir, 0700)
	bl, err := blacklist.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer bl.Close()
	defer os.RemoveAll(dir)

	// Scope os.TempDir() to an isolated directory so the shard temp files
	// drainShard creates can be enumerated after the kill.
	shardTmpDir := t.TempDir()
	oldTMPDIR, hadTMPDIR := os.LookupEnv("TMPDIR")
	os.Setenv("TMPDIR", shardTmpDir)
	defer func() {
		if hadTMPDIR {
			os.Setenv("TMPDIR", oldTMPDIR)
		} else {
			os.Unsetenv("TMPDIR")
		}
	}()

	dialer := &gatedFarmerDialer{
		fakeFarmerDialer: newFakeFarmerDialer(),
		firstDialed:      make(chan struct{}),
		block:            make(chan struct{}),
	}

	// ShardConcurrency 2 over a >8MiB file yields at least two shards, so
	// killing after the first farmer dial still leaves a second shard
	// queued behind the gate.
	cfg := config.Config{Concurrency: 1, ShardConcurrency: 2, TransferRetries: 2, ContractRetries: 2, AuditChallenges: 2}
	cfg.Normalize()

	orch := New(transport, bl, dialer, nil, cfg)

	src := filepath.Join(os.TempDir(), "bridgeclient-upload-kill-src.txt")
	payload := make([]byte, 20*1024*1024)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	if err := os.WriteFile(src, payload, 0600); err != nil {
		t.Fatal(err)
	}
	defer os.Remove(src)

	resultc := make(chan *FinalizeResult, 1)
	errc := make(chan error, 1)
	var cbCount int32
	state := orch.StoreFileInBucket(context.Background(), "abcdefabcdefabcdefabcdef", "push-token", src, func(res *FinalizeResult, err error) {
		atomic.AddInt32(&cbCount, 1)
		if err != nil {
			errc <- err
			return
		}
		resultc <- res
	})

	select {
	case <-dialer.firstDialed:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for first shard transfer to start")
	}

	state.Kill()
	close(dialer.block)

	select {
	case res := <-resultc:
		t.Fatalf("expected kill to cancel the upload, got a finalize result: %+v", res)
	case cbErr := <-errc:
		if !errors.Contains(cbErr, shardmeta.ErrCancelled) {
			t.Fatalf("expected a Cancelled-class error, got %v", cbErr)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the kill to be observed")
	}

	time.Sleep(50 * time.Millisecond) // let any in-flight worker goroutine finish unwinding
	if n := atomic.LoadInt32(&cbCount); n != 1 {
		t.Fatalf("expected exactly one callback invocation, got %d", n)
	}

	bridgeState.mu.Lock()
	finalizeCalls := bridgeState.finalizeCalls
	bridgeState.mu.Unlock()
	if finalizeCalls != 0 {
		t.Fatalf("expected no finalize POST after a kill, got %d", finalizeCalls)
	}

	entries, err := os.ReadDir(shardTmpDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected every tracked shard temp file removed after kill, found %d leftover", len(entries))
	}
}
