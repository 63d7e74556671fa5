// Package shardmeta holds the plain value and state types shared across
// the upload and download orchestrators: ShardMeta, Frame, Pointer,
// Contact and the audit record pair (spec.md §3). None of these types
// carry behavior beyond simple accessors; that follows the teacher's
// modules package convention of keeping cross-cutting data types inert.
package shardmeta

import (
	"crypto/sha256"
	"hash"
	"sync"
)

// Contact identifies a single farmer node (spec.md §3).
type Contact struct {
	NodeID    string `json:"nodeID"`
	Address   string `json:"address"`
	Port      uint16 `json:"port"`
	PublicKey string `json:"publicKey,omitempty"`
}

// ChannelType distinguishes a push (upload) data channel from a pull
// (download) one.
type ChannelType string

// Recognized channel types.
const (
	ChannelPush ChannelType = "PUSH"
	ChannelPull ChannelType = "PULL"
)

// Pointer is the bridge-issued directive connecting a shard to a farmer,
// a token and a shard hash (spec.md §3).
type Pointer struct {
	Farmer  Contact     `json:"farmer"`
	Token   string      `json:"token"`
	Hash    string      `json:"hash"`
	Size    int64       `json:"size"`
	Index   int         `json:"index"`
	Channel ChannelType `json:"channelType"`
}

// ShardDescriptor is what the bridge stores inside a Frame for one shard.
type ShardDescriptor struct {
	Hash  string `json:"hash"`
	Size  int64  `json:"size"`
	Index int    `json:"index"`
}

// Frame is the bridge-side staging object accumulating shard descriptors
// before file finalization (spec.md §3).
type Frame struct {
	ID     string            `json:"id"`
	Shards []ShardDescriptor `json:"shards"`
}

// PublicRecord is the Merkle tree of segment leaves produced by the audit
// generator and attached to a shard-add request.
type PublicRecord struct {
	Root   []byte   `json:"-"`
	RootHex string   `json:"root"`
	Leaves [][]byte `json:"-"`
}

// Challenge is a single challenge pre-image: the index of the leaf segment
// it covers plus the segment bytes themselves.
type Challenge struct {
	Index   int    `json:"index"`
	Preimage []byte `json:"-"`
}

// PrivateRecord holds the challenge pre-images the bridge stores; the
// client discards this after the shard-add request (spec.md §3).
type PrivateRecord struct {
	Challenges []Challenge `json:"challenges"`
}

// ShardMeta tracks the per-shard state mutated by an upload worker: the
// running size, streaming SHA-256 state, the finalized bridge-visible
// hash, a weak reference to the owning Frame's id, the excluded-farmers
// snapshot in effect when the shard started, and the transfer-retry
// counter (spec.md §3).
type ShardMeta struct {
	Index int
	// TmpPath is where the demuxed shard bytes are buffered before the
	// hash can be finalized and the audit generator run over them.
	TmpPath string

	mu              sync.Mutex
	size            int64
	hasher          hash.Hash
	finalHash       string
	frameID         string
	excludeFarmers  []string
	transferRetries int
}

// NewShardMeta creates a ShardMeta for the given index, temp path and
// excluded-farmer snapshot. The SHA-256 hasher starts fresh and is fed as
// the shard's bytes are written to disk (spec.md §3 invariant: the hash
// delivered to the bridge equals SHA-256 of the temp file's contents).
func NewShardMeta(index int, tmpPath, frameID string, exclude []string) *ShardMeta {
	return &ShardMeta{
		Index:          index,
		TmpPath:        tmpPath,
		hasher:         sha256.New(),
		frameID:        frameID,
		excludeFarmers: exclude,
	}
}

// Hasher returns the streaming SHA-256 hasher fed by the demux-to-disk
// write loop.
func (m *ShardMeta) Hasher() hash.Hash {
	return m.hasher
}

// AddBytes records n more bytes having been written to the temp file.
func (m *ShardMeta) AddBytes(n int) {
	m.mu.Lock()
	m.size += int64(n)
	m.mu.Unlock()
}

// Size returns the running size of the shard written so far.
func (m *ShardMeta) Size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// SetFinalHash records the RIPEMD-160(SHA-256(shard)) hash once the temp
// file write has finished (spec.md §3 invariant).
func (m *ShardMeta) SetFinalHash(h string) {
	m.mu.Lock()
	m.finalHash = h
	m.mu.Unlock()
}

// FinalHash returns the finalized bridge-visible hash, or "" if not yet
// computed.
func (m *ShardMeta) FinalHash() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalHash
}

// FrameID returns the id of the Frame this shard belongs to.
func (m *ShardMeta) FrameID() string {
	return m.frameID
}

// ExcludeFarmers returns the blacklist snapshot in effect when this shard
// started. Per spec.md §3, once a node id is blacklisted it appears in
// every subsequent ShardMeta's snapshot until removed. The snapshot is
// taken at construction; SetExcludeFarmers replaces it when a re-contract
// follows a transfer failure.
func (m *ShardMeta) ExcludeFarmers() []string {
	return m.excludeFarmers
}

// SetExcludeFarmers replaces the exclude snapshot, used when re-acquiring
// a contract after blacklisting a farmer (spec.md §4.7).
func (m *ShardMeta) SetExcludeFarmers(exclude []string) {
	m.mu.Lock()
	m.excludeFarmers = exclude
	m.mu.Unlock()
}

// TransferRetries returns the number of transfer attempts made so far for
// the current pointer.
func (m *ShardMeta) TransferRetries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transferRetries
}

// IncTransferRetries increments and returns the new retry count.
func (m *ShardMeta) IncTransferRetries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transferRetries++
	return m.transferRetries
}

// ResetTransferRetries zeroes the retry counter, used after a farmer is
// blacklisted and a fresh pointer acquired (spec.md §4.7).
func (m *ShardMeta) ResetTransferRetries() {
	m.mu.Lock()
	m.transferRetries = 0
	m.mu.Unlock()
}
