// Package demux implements the File Demuxer (spec.md §4.4): it splits a
// file into a finite ordered sequence of shard byte-streams of a chosen
// size. Adapted from the teacher's modules/renter/uploadstreamer.go
// StreamShard type, keeping only its signal-on-Close idea: each Shard
// closes a channel when the consumer is done with it. There is no
// peek-ahead; each shard's size, including the short last one, is
// computed from fileSize and shardSize.
package demux

import (
	"io"
	"sync"

	"gitlab.com/NebulousLabs/errors"

	"github.com/storjlib/bridgeclient/shardmeta"
)

// Shard is one ordered, finite-length slice of the source file. Index is
// 0-based. Stream must be fully drained (read to EOF) before the next
// Shard is emitted; the demuxer enforces this internally via backpressure
// so callers never need a select over multiple shard channels.
type Shard struct {
	Index  int
	Size   int64
	Stream io.Reader

	done chan struct{}
	once sync.Once
}

// Close signals the demuxer that this shard's stream has been fully
// consumed, unblocking the goroutine feeding the next shard (mirrors
// StreamShard.Close's signalChan close).
func (s *Shard) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// Demux splits r, which must yield exactly fileSize bytes, into
// ceil(fileSize/shardSize) ordered Shards (spec.md §4.4). It returns a
// channel of Shards and a channel that receives at most one terminal
// error (nil on success, closed after the last shard's Close is
// observed). The demuxer blocks producing the next shard until the
// current one's Close is called, providing the backpressure spec.md §4.3
// requires when the upload worker queue is full.
func Demux(r io.Reader, fileSize, shardSize int64) (<-chan *Shard, <-chan error) {
	shards := make(chan *Shard)
	errc := make(chan error, 1)

	if fileSize <= 0 {
		close(shards)
		errc <- errors.Compose(shardmeta.ErrIO, errors.New("0 bytes is not a supported file size."))
		return shards, errc
	}
	if shardSize <= 0 {
		close(shards)
		errc <- errors.Compose(shardmeta.ErrIO, errors.New("shard size must be positive"))
		return shards, errc
	}

	numShards := (fileSize + shardSize - 1) / shardSize

	go func() {
		defer close(shards)
		defer close(errc)

		var remaining = fileSize
		for i := int64(0); i < numShards; i++ {
			size := shardSize
			if remaining < shardSize {
				size = remaining
			}
			lr := io.LimitReader(r, size)
			shard := &Shard{
				Index:  int(i),
				Size:   size,
				Stream: lr,
				done:   make(chan struct{}),
			}
			shards <- shard
			<-shard.done
			remaining -= size
		}
	}()

	return shards, errc
}

// OptimalShardSize implements the spec.md §4.4 getOptimalShardSize
// policy: deterministic given the same (fileSize, shardConcurrency)
// inputs. Small files get a single shard; larger files are divided so
// that roughly shardConcurrency shards can be in flight at once, clamped
// to the [minShardSize, maxShardSize] band.
func OptimalShardSize(fileSize int64, shardConcurrency int) int64 {
	const (
		minShardSize = 1 << 23  // 8 MiB
		maxShardSize = 1 << 33  // 8 GiB
	)
	if shardConcurrency <= 0 {
		shardConcurrency = 1
	}
	if fileSize <= minShardSize {
		return minShardSize
	}
	target := fileSize / int64(shardConcurrency)
	if target < minShardSize {
		target = minShardSize
	}
	if target > maxShardSize {
		target = maxShardSize
	}
	return target
}
