// Package download implements the Download Orchestrator (spec.md §4.8):
// pointer-window acquisition, Muxer-backed stream assembly, the
// sliding-window file stream and byte-range slicing. Grounded on the
// teacher's download-path shape (contract set -> worker pool -> stream
// reassembly) in modules/renter, adapted from erasure-coded piece
// recovery to this system's flat ordered-shard concatenation.
package download

import (
	"context"
	"io"
	"sync"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/ratelimit"

	"github.com/storjlib/bridgeclient/bridge"
	"github.com/storjlib/bridgeclient/config"
	"github.com/storjlib/bridgeclient/datachannel"
	"github.com/storjlib/bridgeclient/mux"
	"github.com/storjlib/bridgeclient/shardmeta"
)

// windowSize is the sliding-window pointer-fetch page size (spec.md
// §4.8.3).
const windowSize = 6

// Orchestrator drives file downloads against one bridge account.
type Orchestrator struct {
	transport *bridge.Transport
	dialer    datachannel.Dialer
	limiter   *ratelimit.RateLimit
	cfg       config.Config
}

// New builds an Orchestrator from its collaborators (spec.md §4.8).
func New(transport *bridge.Transport, dialer datachannel.Dialer, limiter *ratelimit.RateLimit, cfg config.Config) *Orchestrator {
	return &Orchestrator{transport: transport, dialer: dialer, limiter: limiter, cfg: cfg}
}

// errorReader is an io.Reader that always fails with err, used to deliver
// a reader-open failure onto the Muxer in attachment order (spec.md
// §4.8.2 "the error is emitted on the Muxer together with the offending
// pointer").
type errorReader struct{ err error }

func (r *errorReader) Read([]byte) (int, error) { return 0, r.err }

// stream is the io.ReadCloser handed to callers of ResolveFileFromPointers
// and CreateFileStream: it wraps a Muxer plus the open data-channel
// clients backing its inputs, closing them as their sources drain and
// guaranteeing every remaining one is closed on the first fatal error or
// explicit Close (spec.md §9 "resolveFileFromPointers premature error",
// resolved as: every Muxer error is fatal).
type stream struct {
	m *mux.Muxer

	mu      sync.Mutex
	closers []io.Closer
	drained int
	closed  bool
	done    chan struct{}
}

func newStream(m *mux.Muxer) *stream {
	s := &stream{m: m, done: make(chan struct{})}
	go s.closeOnDrain()
	return s
}

// closeOnDrain opportunistically closes each source's data channel as soon
// as the Muxer finishes reading it, so a long-lived sliding-window
// download doesn't accumulate open farmer connections. Best-effort: the
// Muxer's Drain channel can coalesce signals under fast consumption, so
// Close still sweeps any stragglers. Exits once the stream is closed,
// since Drain is never itself closed.
func (s *stream) closeOnDrain() {
	for {
		select {
		case <-s.done:
			return
		case _, ok := <-s.m.Drain():
			if !ok {
				return
			}
			s.mu.Lock()
			if s.drained < len(s.closers) {
				s.closers[s.drained].Close()
				s.drained++
			}
			s.mu.Unlock()
		}
	}
}

func (s *stream) trackCloser(c io.Closer) {
	s.mu.Lock()
	s.closers = append(s.closers, c)
	s.mu.Unlock()
}

// Read implements io.Reader. Any Muxer error is fatal and closes every
// remaining tracked data channel exactly once.
func (s *stream) Read(p []byte) (int, error) {
	n, err := s.m.Read(p)
	if err != nil && err != io.EOF {
		s.Close()
	}
	return n, err
}

// Close tears down the Muxer and every tracked data channel; idempotent.
func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	remaining := s.closers[s.drained:]
	s.drained = len(s.closers)
	close(s.done)
	s.mu.Unlock()

	for _, c := range remaining {
		c.Close()
	}
	return s.m.Close()
}

// attach opens a data-channel reader per pointer, in order, and adds each
// as a Muxer input source (spec.md §4.8.2: "work queue of concurrency 1
// against the Muxer; inputs must be added in pointer order"). On the
// first open failure it attaches an errorReader carrying that failure (so
// the Muxer surfaces it at the correct position) and returns the error.
func (o *Orchestrator) attach(s *stream, pointers []shardmeta.Pointer) error {
	for _, p := range pointers {
		client, err := datachannel.Dial(o.dialer, p.Farmer, o.limiter)
		if err != nil {
			s.m.AddInputSource(&errorReader{errors.AddContext(err, "unable to open data channel")})
			return err
		}
		rs, err := client.CreateReadStream(p.Token, p.Hash)
		if err != nil {
			client.Close()
			s.m.AddInputSource(&errorReader{errors.AddContext(err, "unable to open read stream")})
			return err
		}
		s.trackCloser(client)
		s.m.AddInputSource(rs)
	}
	return nil
}

// ResolveFileFromPointers assembles a single io.ReadCloser from a
// complete, already-known pointer list (spec.md §4.8.2). The Muxer is
// finalized immediately since no further pointers will be appended.
func (o *Orchestrator) ResolveFileFromPointers(ctx context.Context, pointers []shardmeta.Pointer) (io.ReadCloser, error) {
	if len(pointers) == 0 {
		return nil, errors.Compose(shardmeta.ErrDownloadFailed, errors.New("no pointers to resolve"))
	}
	var length int64
	for _, p := range pointers {
		length += p.Size
	}
	m := mux.New(len(pointers), length)
	m.Finalize()

	s := newStream(m)
	if err := o.attach(s, pointers); err != nil {
		s.Close()
		return nil, errors.Compose(shardmeta.ErrDownloadFailed, errors.AddContext(err, "unable to resolve file from pointers"))
	}
	return s, nil
}

// CreateFileStream implements the sliding-window fetch (spec.md §4.8.3):
// the first window is attached and handed back as a stream, then
// successive windows are fetched and appended in the background until one
// returns zero pointers, at which point the Muxer is finalized.
func (o *Orchestrator) CreateFileStream(ctx context.Context, bucketID, fileID string) (io.ReadCloser, error) {
	token, err := o.transport.CreateToken(ctx, bucketID, shardmeta.ChannelPull)
	if err != nil {
		return nil, errors.Compose(shardmeta.ErrDownloadFailed, errors.AddContext(err, "unable to create pull token"))
	}
	first, err := o.transport.GetFilePointers(ctx, bucketID, fileID, token, 0, windowSize, nil)
	if err != nil {
		return nil, errors.Compose(shardmeta.ErrDownloadFailed, errors.AddContext(err, "unable to fetch first pointer window"))
	}
	if len(first) == 0 {
		m := mux.New(0, 0)
		m.Finalize()
		return newStream(m), nil
	}

	var length int64
	for _, p := range first {
		length += p.Size
	}
	m := mux.New(len(first), length)
	s := newStream(m)
	if err := o.attach(s, first); err != nil {
		s.Close()
		return nil, errors.Compose(shardmeta.ErrDownloadFailed, errors.AddContext(err, "unable to attach first pointer window"))
	}

	go o.slideWindow(ctx, s, bucketID, fileID, len(first))
	return s, nil
}

// slideWindow repeatedly fetches the next pointer window with a fresh
// PULL token and appends it to the Muxer until a window comes back empty,
// then finalizes it (spec.md §4.8.3). A post-handoff attach error is
// delivered via the errorReader path inside attach; a token or pointer
// fetch error is delivered the same way, by appending an errorReader
// carrying it as the next Muxer input.
func (o *Orchestrator) slideWindow(ctx context.Context, s *stream, bucketID, fileID string, skip int) {
	for {
		token, err := o.transport.CreateToken(ctx, bucketID, shardmeta.ChannelPull)
		if err != nil {
			s.m.AddInputSource(&errorReader{errors.Compose(shardmeta.ErrDownloadFailed, errors.AddContext(err, "unable to create pull token"))})
			return
		}
		window, err := o.transport.GetFilePointers(ctx, bucketID, fileID, token, skip, windowSize, nil)
		if err != nil {
			s.m.AddInputSource(&errorReader{errors.Compose(shardmeta.ErrDownloadFailed, errors.AddContext(err, "unable to fetch pointer window"))})
			return
		}
		if len(window) == 0 {
			s.m.Finalize()
			return
		}

		var bytes int64
		for _, p := range window {
			bytes += p.Size
		}
		s.m.Extend(bytes, len(window))
		if err := o.attach(s, window); err != nil {
			return
		}
		skip += len(window)
	}
}
