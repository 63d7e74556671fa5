package download

import (
	"context"
	"io"

	"gitlab.com/NebulousLabs/errors"

	"github.com/storjlib/bridgeclient/shardmeta"
)

// trimReader discards the first skip bytes of the wrapped reader, then
// passes through exactly limit bytes before reporting io.EOF, closing the
// wrapped stream once either the caller is done or an error ends the read
// early (spec.md §4.8.4).
type trimReader struct {
	r      io.ReadCloser
	skip   int64
	remain int64
}

func (t *trimReader) discard() error {
	for t.skip > 0 {
		buf := make([]byte, minInt64(t.skip, 32*1024))
		n, err := t.r.Read(buf)
		t.skip -= int64(n)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *trimReader) Read(p []byte) (int, error) {
	if t.skip > 0 {
		if err := t.discard(); err != nil {
			return 0, err
		}
	}
	if t.remain <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > t.remain {
		p = p[:t.remain]
	}
	n, err := t.r.Read(p)
	t.remain -= int64(n)
	if t.remain <= 0 && err == nil {
		err = io.EOF
	}
	return n, err
}

func (t *trimReader) Close() error {
	return t.r.Close()
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// CreateFileSliceStream resolves the pointer window spanning byte range
// [start, end) of a finalized file and returns a stream trimmed to that
// exact range (spec.md §4.8.4). It walks the file's Frame shard
// descriptors to find which shards the range touches, then fetches only
// that pointer window instead of the whole file.
func (o *Orchestrator) CreateFileSliceStream(ctx context.Context, bucketID, fileID string, start, end int64) (io.ReadCloser, error) {
	if end <= start {
		return nil, errors.Compose(shardmeta.ErrDownloadFailed, errors.New("invalid byte range: end must be greater than start"))
	}

	files, err := o.transport.ListBucketFiles(ctx, bucketID)
	if err != nil {
		return nil, errors.Compose(shardmeta.ErrDownloadFailed, errors.AddContext(err, "unable to list bucket files"))
	}
	var frameID string
	for _, f := range files {
		if f.ID == fileID {
			frameID = f.Frame
			break
		}
	}
	if frameID == "" {
		return nil, errors.Compose(shardmeta.ErrDownloadFailed, errors.New("file not found in bucket"))
	}

	frame, err := o.transport.GetFrame(ctx, frameID)
	if err != nil {
		return nil, errors.Compose(shardmeta.ErrDownloadFailed, errors.AddContext(err, "unable to fetch frame"))
	}

	firstShard, lastShard, trimFront, err := shardWindow(frame.Shards, start, end)
	if err != nil {
		return nil, errors.Compose(shardmeta.ErrDownloadFailed, err)
	}

	token, err := o.transport.CreateToken(ctx, bucketID, shardmeta.ChannelPull)
	if err != nil {
		return nil, errors.Compose(shardmeta.ErrDownloadFailed, errors.AddContext(err, "unable to create pull token"))
	}
	pointers, err := o.transport.GetFilePointers(ctx, bucketID, fileID, token, firstShard, lastShard-firstShard+1, nil)
	if err != nil {
		return nil, errors.Compose(shardmeta.ErrDownloadFailed, errors.AddContext(err, "unable to fetch pointer window"))
	}
	if len(pointers) == 0 {
		return nil, errors.Compose(shardmeta.ErrDownloadFailed, errors.New("no pointers in requested range"))
	}

	base, err := o.ResolveFileFromPointers(ctx, pointers)
	if err != nil {
		return nil, err
	}

	return &trimReader{r: base, skip: trimFront, remain: end - start}, nil
}

// shardWindow finds the inclusive [firstShard, lastShard] index range
// whose cumulative byte span overlaps [start, end), plus how many bytes
// into firstShard the range actually begins.
func shardWindow(shards []shardmeta.ShardDescriptor, start, end int64) (firstShard, lastShard int, trimFront int64, err error) {
	firstShard, lastShard = -1, -1
	var offset int64
	for i, sd := range shards {
		shardStart := offset
		shardEnd := offset + sd.Size
		if firstShard == -1 && end > shardStart && start < shardEnd {
			firstShard = i
			trimFront = start - shardStart
		}
		if firstShard != -1 && start < shardEnd {
			lastShard = i
		}
		offset = shardEnd
		if offset >= end && firstShard != -1 {
			break
		}
	}
	if firstShard == -1 || lastShard == -1 {
		return 0, 0, 0, errors.New("byte range out of bounds for file")
	}
	return firstShard, lastShard, trimFront, nil
}
