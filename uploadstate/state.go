// Package uploadstate implements the upload state machine (spec.md §4.3):
// Building -> Transferring -> Finalizing -> Done, with Failed/Killed
// reachable from any state. It owns the bounded shard work queue and the
// teardown bookkeeping (cleanQueue, dataChannels) that cleanup() drains,
// following the teacher's threadgroup.ThreadGroup-guarded lifecycle convention
// used throughout modules/renter for subsystem shutdown.
package uploadstate

import (
	"io"
	"os"
	"sync"

	"github.com/montanaflynn/stats"
	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/threadgroup"

	"github.com/storjlib/bridgeclient/shardmeta"
)

// State is one of the upload lifecycle's named phases (spec.md §4.3).
type State int

// Recognized states, in the order a successful upload passes through them.
const (
	Building State = iota
	Transferring
	Finalizing
	Done
	Failed
	Killed
)

func (s State) String() string {
	switch s {
	case Building:
		return "Building"
	case Transferring:
		return "Transferring"
	case Finalizing:
		return "Finalizing"
	case Done:
		return "Done"
	case Failed:
		return "Failed"
	case Killed:
		return "Killed"
	default:
		return "Unknown"
	}
}

// Task is one unit of queued shard work: TmpPath already holds the shard
// bytes drained by the coordinator, and the worker finalizes the hash,
// audits, acquires a contract and transfers it, updating meta as it goes
// (spec.md §4.3, §4.6 step 6).
type Task struct {
	Index   int
	TmpPath string
	Meta    *shardmeta.ShardMeta
}

// Stats surfaces shard-transfer speed observations (bytes/sec) for
// progress reporting; it never gates correctness (SPEC_FULL.md §4.8).
type Stats struct {
	Count int
	P90   float64
}

// UploadState is the per-upload state machine: it owns the bounded task
// queue, the teardown bookkeeping and the speed samples, and is safe for
// concurrent use by the worker pool and the coordinating goroutine.
type UploadState struct {
	tg threadgroup.ThreadGroup

	mu           sync.Mutex
	state        State
	numShards    int
	completed    int
	err          error
	cleanQueue   []string
	dataChannels []io.Closer
	speeds       []float64

	queue chan *Task
}

// New creates an UploadState with numShards total shards and a bounded
// queue of depth concurrency (spec.md §4.3).
func New(numShards, concurrency int) *UploadState {
	return &UploadState{
		state:     Building,
		numShards: numShards,
		queue:     make(chan *Task, concurrency),
	}
}

// State returns the current lifecycle state.
func (s *UploadState) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Push enqueues a shard task (spec.md §4.3 "push task"); it blocks once the
// queue is at depth concurrency, which is exactly the demuxer backpressure
// the state machine is required to apply.
func (s *UploadState) Push(t *Task) error {
	if err := s.tg.Add(); err != nil {
		return errors.AddContext(err, "upload state is shutting down")
	}
	defer s.tg.Done()

	s.mu.Lock()
	if s.state == Killed || s.state == Failed {
		s.mu.Unlock()
		return errors.New("cannot push task: upload state already terminal")
	}
	if s.state == Building {
		s.state = Transferring
	}
	s.mu.Unlock()

	select {
	case s.queue <- t:
		return nil
	case <-s.tg.StopChan():
		return errors.New("upload state stopped while waiting to enqueue task")
	}
}

// CloseQueue signals that the demuxer has finished emitting shards; workers
// drain any remaining queued tasks and then see the queue closed.
func (s *UploadState) CloseQueue() {
	close(s.queue)
}

// Tasks returns the receive-only task queue workers range over.
func (s *UploadState) Tasks() <-chan *Task {
	return s.queue
}

// RecordSpeed adds one shard-transfer speed sample (bytes/sec).
func (s *UploadState) RecordSpeed(bytesPerSec float64) {
	s.mu.Lock()
	s.speeds = append(s.speeds, bytesPerSec)
	s.mu.Unlock()
}

// Stats reports the p90 shard-transfer speed observed so far.
func (s *UploadState) Stats() Stats {
	s.mu.Lock()
	samples := append([]float64(nil), s.speeds...)
	s.mu.Unlock()

	if len(samples) == 0 {
		return Stats{}
	}
	p90, err := stats.Percentile(samples, 90)
	if err != nil {
		return Stats{Count: len(samples)}
	}
	return Stats{Count: len(samples), P90: p90}
}

// Progress reports completed shard count against the total, for callers
// polling for a progress indicator (SPEC_FULL.md §4.12).
func (s *UploadState) Progress() (completed, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed, s.numShards
}

// CompleteTask marks one task done; once every shard has completed the
// state advances to Finalizing and ok reports that to the caller so it can
// run the single finalize step exactly once (spec.md §4.6 step 7).
func (s *UploadState) CompleteTask() (ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Killed || s.state == Failed {
		return false
	}
	s.completed++
	if s.completed == s.numShards {
		s.state = Finalizing
		return true
	}
	return false
}

// MarkDone transitions a Finalizing state to Done after the bucket file
// entry has been created.
func (s *UploadState) MarkDone() {
	s.mu.Lock()
	s.state = Done
	s.mu.Unlock()
}

// Fail enters the Failed state, recording err, and runs cleanup() so
// tracked temp files and data channels don't outlive the upload (spec.md
// §4.3 "enter Failed"; Testable Property #6).
func (s *UploadState) Fail(err error) {
	s.mu.Lock()
	if s.state == Killed {
		s.mu.Unlock()
		return
	}
	s.state = Failed
	s.err = err
	s.mu.Unlock()
	s.cleanup()
	s.tg.Stop()
}

// Err returns the recorded failure, if any.
func (s *UploadState) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// TrackCleanup registers a temp-file path for cleanup() to remove.
func (s *UploadState) TrackCleanup(path string) {
	s.mu.Lock()
	s.cleanQueue = append(s.cleanQueue, path)
	s.mu.Unlock()
}

// TrackDataChannel registers an open data channel for cleanup()/Kill to
// close.
func (s *UploadState) TrackDataChannel(c io.Closer) {
	s.mu.Lock()
	s.dataChannels = append(s.dataChannels, c)
	s.mu.Unlock()
}

// Kill transitions to Killed and runs cleanup(); it is idempotent, matching
// spec.md §4.3's "a second kill is a no-op".
func (s *UploadState) Kill() {
	s.mu.Lock()
	if s.state == Killed {
		s.mu.Unlock()
		return
	}
	s.state = Killed
	s.mu.Unlock()
	s.cleanup()
	s.tg.Stop()
}

// cleanup removes every tracked temp path and closes every tracked data
// channel; it is idempotent and safe to call from any state (spec.md
// §4.3).
func (s *UploadState) cleanup() {
	s.mu.Lock()
	paths := s.cleanQueue
	s.cleanQueue = nil
	channels := s.dataChannels
	s.dataChannels = nil
	s.mu.Unlock()

	for _, p := range paths {
		os.Remove(p)
	}
	for _, c := range channels {
		c.Close()
	}
}

// Add registers one more in-flight unit of work with the underlying thread
// group, so Kill and Fail wait for every registered worker to call Done
// before returning.
func (s *UploadState) Add() error {
	return s.tg.Add()
}

// Done signals completion of one unit of work registered via Add.
func (s *UploadState) Done() {
	s.tg.Done()
}

// StopChan returns the channel that closes once the state is stopped,
// letting long-running workers select on cancellation (spec.md §5
// "Cancellation").
func (s *UploadState) StopChan() <-chan struct{} {
	return s.tg.StopChan()
}
