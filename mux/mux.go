// Package mux implements the File Muxer (spec.md §4.9): the strict
// concatenation of N input streams, attached in order, with support for
// late addition of input sources. Ported per the Design Note "Dynamic
// Muxer mutation" (spec.md §9): callers never reach into private state,
// they call Extend followed by AddInputSource.
package mux

import (
	"io"
	"sync"

	"gitlab.com/NebulousLabs/errors"
)

// Muxer concatenates its attached input sources in strict attachment
// order: a source at position k is not read until sources 0..k-1 have
// fully drained (spec.md §4.9, §8 property 8).
//
// shards/length are the Muxer's expected totals; they only ever increase
// via Extend. finalized marks that no further Extend calls will arrive,
// so Read can tell "waiting for a pointer that hasn't been attached yet"
// apart from "legitimately done".
type Muxer struct {
	mu        sync.Mutex
	cond      *sync.Cond
	shards    int
	length    int64
	inputs    []io.Reader
	current   int // index of the input currently being read
	err       error
	finalized bool
	drain     chan struct{}
}

// New creates a Muxer that expects shards input sources totalling length
// bytes. Both counters are mutable via Extend and only ever increase
// (spec.md §4.8.2 "dynamic extension").
func New(shards int, length int64) *Muxer {
	m := &Muxer{
		shards: shards,
		length: length,
		drain:  make(chan struct{}, 1),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Extend increases the Muxer's expected shard count and byte length
// before a late input is attached (spec.md §4.8.2).
func (m *Muxer) Extend(byBytes int64, byShards int) {
	m.mu.Lock()
	m.length += byBytes
	m.shards += byShards
	m.mu.Unlock()
	m.cond.Broadcast()
}

// AddInputSource attaches r as the next input, to be consumed only after
// every previously attached source has fully drained.
func (m *Muxer) AddInputSource(r io.Reader) {
	m.mu.Lock()
	m.inputs = append(m.inputs, r)
	m.mu.Unlock()
	m.cond.Broadcast()
}

// Finalize marks that no further Extend/AddInputSource calls will come,
// so Read can distinguish "done" from "waiting for a pointer that hasn't
// been attached yet" once the input count reaches the (now final) shard
// count. The sliding-window download loop calls this once a fetch window
// returns zero pointers (spec.md §4.8.3).
func (m *Muxer) Finalize() {
	m.mu.Lock()
	m.finalized = true
	m.mu.Unlock()
	m.cond.Broadcast()
}

// Drain returns a channel that receives a value each time the current
// tail source finishes, so the orchestrator knows it's safe to append
// more sources (spec.md §4.9).
func (m *Muxer) Drain() <-chan struct{} {
	return m.drain
}

// Err returns the first error encountered by a Read call, or nil.
func (m *Muxer) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Len reports the Muxer's current expected total length, including any
// extensions applied so far.
func (m *Muxer) Len() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.length
}

// Read implements io.Reader, pulling bytes strictly from the current
// input in attachment order and advancing to the next input once the
// current one returns io.EOF.
func (m *Muxer) Read(p []byte) (int, error) {
	for {
		m.mu.Lock()
		if m.err != nil {
			err := m.err
			m.mu.Unlock()
			return 0, err
		}
		for m.current >= len(m.inputs) {
			if m.finalized && m.current >= m.shards {
				m.mu.Unlock()
				return 0, io.EOF
			}
			m.cond.Wait()
			if m.err != nil {
				err := m.err
				m.mu.Unlock()
				return 0, err
			}
		}
		cur := m.inputs[m.current]
		m.mu.Unlock()

		n, err := cur.Read(p)
		if err == io.EOF {
			m.mu.Lock()
			m.current++
			m.mu.Unlock()
			select {
			case m.drain <- struct{}{}:
			default:
			}
			if n > 0 {
				return n, nil
			}
			continue
		}
		if err != nil {
			m.mu.Lock()
			m.err = errors.AddContext(err, "muxer input source failed")
			m.mu.Unlock()
			m.cond.Broadcast()
			return n, m.err
		}
		return n, nil
	}
}

// Close marks the Muxer finalized and done; further Reads return io.EOF.
// Safe to call more than once.
func (m *Muxer) Close() error {
	m.mu.Lock()
	m.finalized = true
	m.current = m.shards
	m.mu.Unlock()
	m.cond.Broadcast()
	return nil
}
