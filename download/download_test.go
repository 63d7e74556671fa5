package download

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/xtaci/smux"

	"github.com/storjlib/bridgeclient/bridge"
	"github.com/storjlib/bridgeclient/config"
	"github.com/storjlib/bridgeclient/shardmeta"
)

// fakeShardDialer serves fixed content per shard hash over an in-memory
// smux session, mirroring the write side of upload_test.go's dialer but
// for reads: the server reads the (token:hash) key line, then writes back
// content[hash] and closes the stream.
type fakeShardDialer struct {
	content map[string][]byte
}

func (d *fakeShardDialer) Dial(contact shardmeta.Contact) (net.Conn, error) {
	client, server := net.Pipe()
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

		key := readKeyLine(stream)
		hash := keyHash(key)
		stream.Write(d.content[hash])
	}()
	return client, nil
}

// readKeyLine reads bytes up to and including the first newline, which is
// how datachannel.Client.CreateReadStream frames the (token, hash) key.
func readKeyLine(r io.Reader) string {
	var buf []byte
	one := make([]byte, 1)
	for {
		n, err := r.Read(one)
		if n > 0 {
			buf = append(buf, one[0])
			if one[0] == '\n' {
				break
			}
		}
		if err != nil {
			break
		}
	}
	return string(buf)
}

func keyHash(key string) string {
	parts := bytes.SplitN([]byte(key), []byte(":"), 2)
	if len(parts) != 2 {
		return ""
	}
	return string(bytes.TrimRight(parts[1], "\n"))
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

func TestResolveFileFromPointersConcatenatesInOrder(t *testing.T) {
	dialer := &fakeShardDialer{content: map[string][]byte{
		"h0": []byte("aaaa"),
		"h1": []byte("bbbbbb"),
		"h2": []byte("cc"),
	}}
	orch := New(nil, dialer, nil, config.Config{})

	pointers := []shardmeta.Pointer{
		{Farmer: shardmeta.Contact{NodeID: "f0", Address: "x", Port: 1}, Token: "t", Hash: "h0", Size: 4, Index: 0},
		{Farmer: shardmeta.Contact{NodeID: "f1", Address: "x", Port: 1}, Token: "t", Hash: "h1", Size: 6, Index: 1},
		{Farmer: shardmeta.Contact{NodeID: "f2", Address: "x", Port: 1}, Token: "t", Hash: "h2", Size: 2, Index: 2},
	}

	stream, err := orch.ResolveFileFromPointers(context.Background(), pointers)
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	got, err := io.ReadAll(stream)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "aaaabbbbbbcc" {
		t.Fatalf("unexpected concatenation: %q", got)
	}
}

// fakeDownloadBridge serves just enough of the REST surface for
// CreateFileStream and CreateFileSliceStream: tokens, pointer windows
// (paged by skip/limit), a single bucket file listing and its frame.
type fakeDownloadBridge struct {
	mu       sync.Mutex
	pointers []shardmeta.Pointer
	file     bridge.BucketFile
	frame    shardmeta.Frame
}

func newFakeDownloadBridge(t *testing.T, pointers []shardmeta.Pointer, shards []shardmeta.ShardDescriptor) (*httptest.Server, *fakeDownloadBridge) {
	t.Helper()
	state := &fakeDownloadBridge{
		pointers: pointers,
		file:     bridge.BucketFile{ID: "file-1", Filename: "example.bin", Frame: "frame-1"},
		frame:    shardmeta.Frame{ID: "frame-1", Shards: shards},
	}
	router := httprouter.New()

	router.POST("/buckets/:id/tokens", func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		json.NewEncoder(w).Encode(map[string]interface{}{"token": "pull-token"})
	})
	router.GET("/buckets/:id/files", func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		json.NewEncoder(w).Encode([]bridge.BucketFile{state.file})
	})
	router.GET("/buckets/:id/files/:file", func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		state.mu.Lock()
		defer state.mu.Unlock()
		if skip >= len(state.pointers) {
			json.NewEncoder(w).Encode([]shardmeta.Pointer{})
			return
		}
		hi := skip + limit
		if hi > len(state.pointers) {
			hi = len(state.pointers)
		}
		json.NewEncoder(w).Encode(state.pointers[skip:hi])
	})
	router.GET("/frames/:id", func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		json.NewEncoder(w).Encode(state.frame)
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, state
}

func makePointersAndShards(contents []string) ([]shardmeta.Pointer, []shardmeta.ShardDescriptor, map[string][]byte) {
	pointers := make([]shardmeta.Pointer, len(contents))
	shards := make([]shardmeta.ShardDescriptor, len(contents))
	content := map[string][]byte{}
	for i, c := range contents {
		hash := "h" + strconv.Itoa(i)
		pointers[i] = shardmeta.Pointer{
			Farmer: shardmeta.Contact{NodeID: "farmer-" + strconv.Itoa(i), Address: "x", Port: 1},
			Token:  "pull-token",
			Hash:   hash,
			Size:   int64(len(c)),
			Index:  i,
		}
		shards[i] = shardmeta.ShardDescriptor{Hash: hash, Size: int64(len(c)), Index: i}
		content[hash] = []byte(c)
	}
	return pointers, shards, content
}

func TestCreateFileStreamSlidesWindowPastFirstPage(t *testing.T) {
	contents := make([]string, 8)
	for i := range contents {
		contents[i] = "shard" + strconv.Itoa(i) + "-"
	}
	pointers, shards, content := makePointersAndShards(contents)

	srv, _ := newFakeDownloadBridge(t, pointers, shards)
	transport := testTransport(t, srv.URL)
	dialer := &fakeShardDialer{content: content}

	orch := New(transport, dialer, nil, config.Config{})
	stream, err := orch.CreateFileStream(context.Background(), "abcdefabcdefabcdefabcdef", "file-1")
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	done := make(chan []byte, 1)
	errc := make(chan error, 1)
	go func() {
		got, err := io.ReadAll(stream)
		if err != nil {
			errc <- err
			return
		}
		done <- got
	}()

	var want bytes.Buffer
	for _, c := range contents {
		want.WriteString(c)
	}

	select {
	case err := <-errc:
		t.Fatalf("read failed: %v", err)
	case got := <-done:
		if string(got) != want.String() {
			t.Fatalf("unexpected stream contents:\ngot:  %q\nwant: %q", got, want.String())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for sliding-window stream to drain")
	}
}

func TestCreateFileSliceStreamTrimsToRequestedRange(t *testing.T) {
	contents := []string{"0123456789", "abcdefghij", "ABCDEFGHIJ"}
	pointers, shards, content := makePointersAndShards(contents)

	srv, _ := newFakeDownloadBridge(t, pointers, shards)
	transport := testTransport(t, srv.URL)
	dialer := &fakeShardDialer{content: content}

	orch := New(transport, dialer, nil, config.Config{})

	// Full file is "0123456789abcdefghijABCDEFGHIJ" (30 bytes); request
	// [15, 23) straddles shard 1 (bytes 10-19) and shard 2 (bytes 20-29).
	stream, err := orch.CreateFileSliceStream(context.Background(), "abcdefabcdefabcdefabcdef", "file-1", 15, 23)
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	got, err := io.ReadAll(stream)
	if err != nil {
		t.Fatal(err)
	}

	var full bytes.Buffer
	for _, c := range contents {
		full.WriteString(c)
	}
	want := full.String()[15:23]
	if string(got) != want {
		t.Fatalf("unexpected slice contents: got %q want %q", got, want)
	}
}
