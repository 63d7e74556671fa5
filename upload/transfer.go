package upload

import (
	"context"
	"encoding/hex"
	"io"
	"os"
	"time"

	"gitlab.com/NebulousLabs/errors"
	"golang.org/x/crypto/ripemd160"

	"github.com/storjlib/bridgeclient/audit"
	"github.com/storjlib/bridgeclient/bridge"
	"github.com/storjlib/bridgeclient/datachannel"
	"github.com/storjlib/bridgeclient/shardmeta"
	"github.com/storjlib/bridgeclient/uploadstate"
)

// processTask finalizes a drained shard's hash, runs the audit generator
// over it, acquires a bridge contract (with the blacklist snapshot taken
// at drain time) and transfers it to the assigned farmer, rotating
// farmers on exhausted transfer retries (spec.md §4.6 step 6, §4.7).
func (o *Orchestrator) processTask(ctx context.Context, state *uploadstate.UploadState, token, frameID string, task *uploadstate.Task) error {
	if err := state.Add(); err != nil {
		return errors.AddContext(err, "upload state stopped before task could start")
	}
	defer state.Done()

	finalHash := finalizeShardHash(task.Meta)
	task.Meta.SetFinalHash(finalHash)

	pub, priv, err := runAudit(task.TmpPath, o.cfg.AuditChallenges)
	if err != nil {
		return errors.Compose(shardmeta.ErrIO, errors.AddContext(err, "unable to audit shard"))
	}

	pointer, err := o.acquireContract(ctx, frameID, token, task, finalHash, pub, priv)
	if err != nil {
		return err
	}

	return o.transferWithRetry(ctx, state, frameID, token, task, finalHash, pub, priv, pointer)
}

// acquireContract calls AddShardToFrame, retrying up to
// cfg.ContractRetries times with no backoff before failing (spec.md §4.6
// step 6). The private record's pre-images go out with every attempt,
// including each re-contract after a farmer rotation, and are not kept
// once the task ends.
func (o *Orchestrator) acquireContract(ctx context.Context, frameID, token string, task *uploadstate.Task, finalHash string, pub shardmeta.PublicRecord, priv shardmeta.PrivateRecord) (*shardmeta.Pointer, error) {
	challenges := make([][]byte, len(priv.Challenges))
	for i, c := range priv.Challenges {
		challenges[i] = c.Preimage
	}

	var lastErr error
	for attempt := 0; attempt < o.cfg.ContractRetries; attempt++ {
		pointer, err := o.transport.AddShardToFrame(ctx, frameID, token, bridge.AddShardRequest{
			Hash:       finalHash,
			Size:       task.Meta.Size(),
			Index:      task.Index,
			Challenges: challenges,
			Tree:       pub.Leaves,
			Exclude:    task.Meta.ExcludeFarmers(),
		})
		if err == nil {
			return pointer, nil
		}
		lastErr = err
	}
	return nil, errors.Compose(shardmeta.ErrTransport, errors.AddContext(lastErr, "exhausted contract acquisition retries"))
}

// transferWithRetry implements spec.md §4.7: up to cfg.TransferRetries
// attempts against the same pointer; on exhaustion, blacklist the farmer,
// reset the counter and re-acquire a contract (step 6) excluding it.
func (o *Orchestrator) transferWithRetry(ctx context.Context, state *uploadstate.UploadState, frameID, token string, task *uploadstate.Task, finalHash string, pub shardmeta.PublicRecord, priv shardmeta.PrivateRecord, pointer *shardmeta.Pointer) error {
	for {
		select {
		case <-state.StopChan():
			return errors.Compose(shardmeta.ErrCancelled, errors.New("upload killed during transfer"))
		default:
		}

		err := o.transferShard(state, pointer, task)
		if err == nil {
			return nil
		}

		retries := task.Meta.IncTransferRetries()
		if retries < o.cfg.TransferRetries {
			continue
		}

		if berr := o.blacklist.Add(pointer.Farmer.NodeID); berr != nil {
			return errors.Compose(shardmeta.ErrIO, errors.AddContext(berr, "unable to blacklist unresponsive farmer"))
		}
		task.Meta.ResetTransferRetries()
		task.Meta.SetExcludeFarmers(append(append([]string{}, task.Meta.ExcludeFarmers()...), pointer.Farmer.NodeID))

		newPointer, cerr := o.acquireContract(ctx, frameID, token, task, finalHash, pub, priv)
		if cerr != nil {
			return cerr
		}
		pointer = newPointer
	}
}

// transferShard opens a data channel to pointer.Farmer and pipes the
// shard's temp file into a write stream keyed by (pointer.Token,
// pointer.Hash) (spec.md §4.7).
func (o *Orchestrator) transferShard(state *uploadstate.UploadState, pointer *shardmeta.Pointer, task *uploadstate.Task) error {
	client, err := datachannel.Dial(o.dialer, pointer.Farmer, o.limiter)
	if err != nil {
		return errors.Compose(shardmeta.ErrTransport, errors.AddContext(err, "unable to open data channel"))
	}
	state.TrackDataChannel(client)
	defer client.Close()

	stream, err := client.CreateWriteStream(pointer.Token, pointer.Hash)
	if err != nil {
		return errors.Compose(shardmeta.ErrTransport, errors.AddContext(err, "unable to open write stream"))
	}
	defer stream.Close()

	f, err := os.Open(task.TmpPath)
	if err != nil {
		return errors.Compose(shardmeta.ErrIO, errors.AddContext(err, "unable to reopen temp shard file"))
	}
	defer f.Close()

	start := time.Now()
	n, err := io.Copy(stream, f)
	if err != nil {
		return errors.Compose(shardmeta.ErrTransport, errors.AddContext(err, "shard transfer failed"))
	}
	if secs := time.Since(start).Seconds(); secs > 0 {
		state.RecordSpeed(float64(n) / secs)
	}
	return nil
}

// finalizeShardHash computes RIPEMD-160(SHA-256(shard)), the bridge-visible
// shard hash (spec.md §3 invariant), from the streaming SHA-256 state meta
// already accumulated while the shard was drained to disk, rather than
// rereading the temp file.
func finalizeShardHash(meta *shardmeta.ShardMeta) string {
	r := ripemd160.New()
	r.Write(meta.Hasher().Sum(nil))
	return hex.EncodeToString(r.Sum(nil))
}

// runAudit builds the audit public/private records for the shard at path
// (spec.md §4.5).
func runAudit(path string, challengeCount int) (shardmeta.PublicRecord, shardmeta.PrivateRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return shardmeta.PublicRecord{}, shardmeta.PrivateRecord{}, err
	}
	defer f.Close()

	gen := audit.NewGenerator(challengeCount)
	if _, err := gen.ReadFrom(f); err != nil {
		return shardmeta.PublicRecord{}, shardmeta.PrivateRecord{}, err
	}
	if err := gen.Finish(); err != nil {
		return shardmeta.PublicRecord{}, shardmeta.PrivateRecord{}, err
	}
	pub, err := gen.PublicRecord()
	if err != nil {
		return shardmeta.PublicRecord{}, shardmeta.PrivateRecord{}, err
	}
	priv, err := gen.PrivateRecord()
	if err != nil {
		return shardmeta.PublicRecord{}, shardmeta.PrivateRecord{}, err
	}
	return pub, priv, nil
}
