// Package upload implements the Upload Orchestrator (spec.md §4.6) and the
// retryable Shard Transfer it drives (spec.md §4.7): StoreFileInBucket
// wires the demuxer, audit generator, bridge transport, data channel and
// upload state machine together exactly as the teacher's
// modules/renter upload path wires its own chunk/worker/contract pieces,
// generalized from erasure-coded Sia sectors to this system's flat shards.
package upload

import (
	"context"
	"encoding/hex"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/fastrand"
	"gitlab.com/NebulousLabs/ratelimit"

	"github.com/storjlib/bridgeclient/blacklist"
	"github.com/storjlib/bridgeclient/bridge"
	"github.com/storjlib/bridgeclient/config"
	"github.com/storjlib/bridgeclient/datachannel"
	"github.com/storjlib/bridgeclient/demux"
	"github.com/storjlib/bridgeclient/shardmeta"
	"github.com/storjlib/bridgeclient/uploadstate"
)

// FinalizeResult is what StoreFileInBucket's callback receives on success:
// the bridge's file entry plus the frame it was assembled from.
type FinalizeResult struct {
	File    bridge.BucketFile
	FrameID string
}

// Orchestrator drives file uploads against one bridge account; it holds no
// per-upload state of its own, so a single Orchestrator safely serves many
// concurrent StoreFileInBucket calls.
type Orchestrator struct {
	transport *bridge.Transport
	blacklist *blacklist.Blacklist
	dialer    datachannel.Dialer
	limiter   *ratelimit.RateLimit
	cfg       config.Config
}

// New builds an Orchestrator from its collaborators (spec.md §4.6/§4.7).
func New(transport *bridge.Transport, bl *blacklist.Blacklist, dialer datachannel.Dialer, limiter *ratelimit.RateLimit, cfg config.Config) *Orchestrator {
	return &Orchestrator{transport: transport, blacklist: bl, dialer: dialer, limiter: limiter, cfg: cfg}
}

// StoreFileInBucket implements spec.md §4.6's seven-step algorithm.
// bucketID must already be normalized (bridge.NormalizeBucketID); token is
// a PUSH token obtained via Transport.CreateToken. cb is invoked exactly
// once, with either a FinalizeResult or an error. The returned
// *uploadstate.UploadState lets the caller Kill() the upload.
func (o *Orchestrator) StoreFileInBucket(ctx context.Context, bucketID, token, filePath string, cb func(*FinalizeResult, error)) *uploadstate.UploadState {
	info, err := os.Stat(filePath)
	if err != nil {
		state := uploadstate.New(0, o.cfg.Concurrency)
		cb(nil, errors.Compose(shardmeta.ErrIO, errors.AddContext(err, "unable to stat file")))
		return state
	}
	if info.Size() <= 0 {
		state := uploadstate.New(0, o.cfg.Concurrency)
		cb(nil, errors.Compose(shardmeta.ErrIO, errors.New("0 bytes is not a supported file size.")))
		return state
	}

	size := info.Size()
	shardSize := demux.OptimalShardSize(size, o.cfg.ShardConcurrency)
	numShards := int((size + shardSize - 1) / shardSize)
	state := uploadstate.New(numShards, o.cfg.Concurrency)

	go o.run(ctx, state, bucketID, token, filePath, info.Name(), size, shardSize, cb)
	return state
}

func (o *Orchestrator) run(ctx context.Context, state *uploadstate.UploadState, bucketID, token, filePath, originalName string, size, shardSize int64, cb func(*FinalizeResult, error)) {
	frame, err := o.transport.CreateFrame(ctx)
	if err != nil {
		state.Fail(err)
		cb(nil, errors.Compose(shardmeta.ErrUploadFailed, errors.AddContext(err, "unable to create staging frame")))
		return
	}

	f, err := os.Open(filePath)
	if err != nil {
		state.Fail(err)
		o.transport.DeleteFrame(ctx, frame.ID)
		cb(nil, errors.Compose(shardmeta.ErrUploadFailed, shardmeta.ErrIO, errors.AddContext(err, "unable to open file")))
		return
	}
	defer f.Close()

	shards, demuxErr := demux.Demux(f, size, shardSize)

	var wg sync.WaitGroup
	var workerErrOnce sync.Once
	var workerErr error

	workerCount := o.cfg.Concurrency
	for w := 0; w < workerCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range state.Tasks() {
				if err := o.processTask(ctx, state, token, frame.ID, task); err != nil {
					workerErrOnce.Do(func() { workerErr = err })
					state.Fail(err)
					return
				}
				state.CompleteTask()
			}
		}()
	}

	// Coordinator: drain each demuxed shard to its temp file synchronously
	// (shards share one underlying file reader so byte-level draining is
	// inherently sequential), then push the on-disk shard onto the upload
	// state's bounded queue (spec.md §4.3), which is what applies
	// backpressure against the worker pool doing the real concurrent work
	// of hash-finalize/audit/contract/transfer. Push itself unblocks once
	// the state goes terminal, so a Kill or a worker Fail during a full
	// queue never deadlocks the coordinator.
	for shard := range shards {
		select {
		case <-state.StopChan():
			shard.Close()
			continue
		default:
		}

		task, err := o.drainShard(state, frame.ID, shard)
		shard.Close()
		if err != nil {
			workerErrOnce.Do(func() { workerErr = err })
			state.Fail(err)
			continue
		}
		if err := state.Push(task); err != nil {
			continue
		}
	}
	state.CloseQueue()
	wg.Wait()

	if err := <-demuxErr; err != nil {
		state.Fail(err)
		cb(nil, errors.Compose(shardmeta.ErrUploadFailed, err))
		return
	}

	if workerErr != nil {
		cb(nil, workerErr)
		return
	}
	if state.State() == uploadstate.Killed {
		cb(nil, errors.Compose(shardmeta.ErrCancelled, errors.New("upload killed")))
		return
	}

	result, err := o.finalize(ctx, state, bucketID, frame.ID, originalName)
	if err != nil {
		state.Fail(err)
		cb(nil, errors.Compose(shardmeta.ErrUploadFailed, err))
		return
	}
	state.MarkDone()
	cb(result, nil)
}

// drainShard copies shard.Stream into a fresh temp file, building the
// ShardMeta that tracks its running hash (spec.md §4.6 step 5).
func (o *Orchestrator) drainShard(state *uploadstate.UploadState, frameID string, shard *demux.Shard) (*uploadstate.Task, error) {
	tmpPath := filepath.Join(os.TempDir(), randomHexName(12))
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return nil, errors.Compose(shardmeta.ErrIO, errors.AddContext(err, "unable to create temp shard file"))
	}
	defer tmp.Close()

	meta := shardmeta.NewShardMeta(shard.Index, tmpPath, frameID, o.blacklist.Snapshot())
	state.TrackCleanup(tmpPath)

	w := io.MultiWriter(tmp, meta.Hasher())
	n, err := io.Copy(w, shard.Stream)
	if err != nil {
		return nil, errors.Compose(shardmeta.ErrIO, errors.AddContext(err, "unable to drain shard to disk"))
	}
	meta.AddBytes(int(n))

	return &uploadstate.Task{Index: shard.Index, TmpPath: tmpPath, Meta: meta}, nil
}

func randomHexName(n int) string {
	return hex.EncodeToString(fastrand.Bytes(n / 2))
}

func (o *Orchestrator) finalize(ctx context.Context, state *uploadstate.UploadState, bucketID, frameID, originalName string) (*FinalizeResult, error) {
	filename := strings.TrimSuffix(originalName, ".crypt")
	mimetype := mime.TypeByExtension(filepath.Ext(filename))
	if mimetype == "" {
		mimetype = "application/octet-stream"
	}
	file, err := o.transport.FinalizeFile(ctx, bucketID, frameID, mimetype, filename)
	if err != nil {
		return nil, errors.AddContext(err, "unable to finalize file")
	}
	return &FinalizeResult{File: *file, FrameID: frameID}, nil
}
