// Package engine composes the blacklist, bridge, datachannel, uploadstate,
// upload and download packages into one construction root (spec.md
// §4.11), mirroring the teacher's Renter type's role as the composition
// root for its own submodules (contractor, filesystem, uploadheap, etc).
package engine

import (
	"context"
	"io"
	"sync"
	"time"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/ratelimit"
	"gitlab.com/NebulousLabs/threadgroup"

	"github.com/storjlib/bridgeclient/blacklist"
	"github.com/storjlib/bridgeclient/bridge"
	"github.com/storjlib/bridgeclient/config"
	"github.com/storjlib/bridgeclient/datachannel"
	"github.com/storjlib/bridgeclient/download"
	"github.com/storjlib/bridgeclient/shardmeta"
	"github.com/storjlib/bridgeclient/upload"
	"github.com/storjlib/bridgeclient/uploadstate"
)

// Engine is the single entry point a caller constructs to store and
// retrieve files against one bridge account. It owns a ThreadGroup that
// every blocking operation registers with, so Close drains in-flight
// uploads and downloads before releasing the blacklist's on-disk state.
type Engine struct {
	tg threadgroup.ThreadGroup

	transport *bridge.Transport
	blacklist *blacklist.Blacklist
	upload    *upload.Orchestrator
	download  *download.Orchestrator
	cfg       config.Config
}

// DialTimeout is the farmer connection timeout of the TCP Dialer that New
// builds for both uploads and downloads; Config has no option to change it.
const DialTimeout = 10 * time.Second

// New builds an Engine from cfg, normalizing defaults and opening the
// durable blacklist rooted at cfg.BlacklistFolder (spec.md §4.11).
func New(cfg config.Config) (*Engine, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, errors.AddContext(err, "invalid configuration")
	}

	transport, err := bridge.NewTransport(cfg)
	if err != nil {
		return nil, errors.AddContext(err, "unable to build bridge transport")
	}

	bl, err := blacklist.New(cfg.BlacklistFolder)
	if err != nil {
		return nil, errors.AddContext(err, "unable to open blacklist")
	}

	dialer := datachannel.NewNetDialer(DialTimeout)
	var limiter *ratelimit.RateLimit

	e := &Engine{
		transport: transport,
		blacklist: bl,
		cfg:       cfg,
	}
	e.upload = upload.New(transport, bl, dialer, limiter, cfg)
	e.download = download.New(transport, dialer, limiter, cfg)
	return e, nil
}

// StoreFileInBucket uploads filePath into bucketID using a freshly minted
// PUSH token, registering the upload with the Engine's ThreadGroup so
// Close waits for it to either finish or be killed (spec.md §4.6).
func (e *Engine) StoreFileInBucket(ctx context.Context, bucketID, filePath string, cb func(*upload.FinalizeResult, error)) (*uploadstate.UploadState, error) {
	if err := e.tg.Add(); err != nil {
		return nil, errors.AddContext(err, "engine is shutting down")
	}

	token, err := e.transport.CreateToken(ctx, bucketID, shardmeta.ChannelPush)
	if err != nil {
		e.tg.Done()
		return nil, errors.AddContext(err, "unable to create push token")
	}

	state := e.upload.StoreFileInBucket(ctx, bucketID, token, filePath, func(res *upload.FinalizeResult, err error) {
		defer e.tg.Done()
		cb(res, err)
	})
	return state, nil
}

// CreateFileStream opens a sliding-window download stream for fileID in
// bucketID (spec.md §4.8.3). The returned stream must be closed by the
// caller; closing it releases its ThreadGroup registration.
func (e *Engine) CreateFileStream(ctx context.Context, bucketID, fileID string) (io.ReadCloser, error) {
	if err := e.tg.Add(); err != nil {
		return nil, errors.AddContext(err, "engine is shutting down")
	}
	stream, err := e.download.CreateFileStream(ctx, bucketID, fileID)
	if err != nil {
		e.tg.Done()
		return nil, err
	}
	return &tgStream{ReadCloser: stream, done: e.tg.Done}, nil
}

// CreateFileSliceStream opens a byte-range download stream (spec.md
// §4.8.4), trimmed to [start, end).
func (e *Engine) CreateFileSliceStream(ctx context.Context, bucketID, fileID string, start, end int64) (io.ReadCloser, error) {
	if err := e.tg.Add(); err != nil {
		return nil, errors.AddContext(err, "engine is shutting down")
	}
	stream, err := e.download.CreateFileSliceStream(ctx, bucketID, fileID, start, end)
	if err != nil {
		e.tg.Done()
		return nil, err
	}
	return &tgStream{ReadCloser: stream, done: e.tg.Done}, nil
}

// Mirror requests bridge-side redundancy for a finalized file (spec.md
// §6, resolving the replicateFileFromBucket Open Question: this call has
// no client concurrency parameter since mirroring is entirely bridge-side).
func (e *Engine) Mirror(ctx context.Context, bucketID, fileID string, redundancy int) error {
	return e.transport.Mirror(ctx, bucketID, fileID, redundancy)
}

// ResolveBucketID normalizes a bucket identifier the way the upload/
// download operations require: a 24-hex-char id is used verbatim,
// anything else is derived from the account email and the given name
// (spec.md §4.6 step 2). The account email comes from cfg.BasicAuth, if
// configured; keypair-authenticated accounts must pass an already-hex id.
func (e *Engine) ResolveBucketID(id, name string) string {
	var email string
	if e.cfg.BasicAuth != nil {
		email = e.cfg.BasicAuth.Email
	}
	return bridge.NormalizeBucketID(id, email, name)
}

// Blacklisted reports whether nodeID is currently excluded from new
// contracts.
func (e *Engine) Blacklisted(nodeID string) bool {
	return e.blacklist.Contains(nodeID)
}

// Close stops accepting new operations, waits for every registered
// upload/download to finish or be killed, then closes the blacklist.
func (e *Engine) Close() error {
	if err := e.tg.Stop(); err != nil {
		return errors.AddContext(err, "unable to stop engine thread group")
	}
	return e.blacklist.Close()
}

// tgStream wraps a download stream so Close also releases the Engine's
// ThreadGroup registration, exactly once.
type tgStream struct {
	io.ReadCloser
	done func()
	once sync.Once
}

func (s *tgStream) Close() error {
	err := s.ReadCloser.Close()
	s.once.Do(s.done)
	return err
}
