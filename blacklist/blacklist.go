// Package blacklist implements the persistent append-only set of farmer
// node identifiers to avoid (spec.md §3, §4.2). Durability is provided by
// a write-ahead log committed into a bolt-backed set, matching the
// teacher's pattern of pairing a WAL with a bolt store for crash-safe
// persistence (modules/renter/files_test.go's newTestingWal helper).
package blacklist

import (
	"path/filepath"

	"gitlab.com/NebulousLabs/bolt"
	"gitlab.com/NebulousLabs/demotemutex"
	"gitlab.com/NebulousLabs/encoding"
	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/writeaheadlog"
)

var bucketName = []byte("blacklist")

// walUpdateAddNode is the name used for every blacklist-add WAL update.
const walUpdateAddNode = "addNode"

// Blacklist is a persistent, append-only set of farmer node ids. Add
// persists durably before returning; Snapshot returns a point-in-time
// immutable copy that callers must not mutate (spec.md §4.2).
type Blacklist struct {
	mu  demotemutex.DemoteMutex
	set map[string]struct{}

	db  *bolt.DB
	wal *writeaheadlog.WAL
}

// New loads (or creates) a Blacklist backed by files under dir.
func New(dir string) (*Blacklist, error) {
	dbPath := filepath.Join(dir, "blacklist.db")
	walPath := filepath.Join(dir, "blacklist.wal")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, errors.AddContext(err, "unable to open blacklist db")
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		return nil, errors.AddContext(err, "unable to create blacklist bucket")
	}

	unappliedTxns, wal, err := writeaheadlog.New(walPath)
	if err != nil {
		return nil, errors.AddContext(err, "unable to open blacklist wal")
	}

	b := &Blacklist{
		set: make(map[string]struct{}),
		db:  db,
		wal: wal,
	}

	// Replay any updates that committed to the WAL but weren't yet
	// applied to bolt (crash recovery), then load the durable set.
	for _, txn := range unappliedTxns {
		for _, u := range txn.Updates {
			if u.Name != walUpdateAddNode {
				continue
			}
			var nodeID string
			if err := encoding.Unmarshal(u.Instructions, &nodeID); err != nil {
				continue
			}
			if err := b.applyAdd(nodeID); err != nil {
				return nil, errors.AddContext(err, "unable to replay blacklist wal")
			}
		}
		if err := txn.SignalUpdatesApplied(); err != nil {
			return nil, errors.AddContext(err, "unable to signal wal replay")
		}
	}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

// load populates the in-memory set from the bolt db.
func (b *Blacklist) load() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketName)
		return bkt.ForEach(func(k, v []byte) error {
			b.set[string(k)] = struct{}{}
			return nil
		})
	})
}

// applyAdd commits nodeID into the durable bolt bucket and the in-memory
// set. Callers must hold no lock; applyAdd takes its own. The write lock
// is demoted to a read lock once the map mutation is done so that any
// reader blocked behind this Add (Contains/Snapshot) can proceed as soon
// as the new entry is visible, without waiting for Unlock.
func (b *Blacklist) applyAdd(nodeID string) error {
	if err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(nodeID), []byte{1})
	}); err != nil {
		return err
	}
	b.mu.Lock()
	b.set[nodeID] = struct{}{}
	b.mu.DemoteLock()
	b.mu.RUnlock()
	return nil
}

// Contains reports whether nodeID is currently blacklisted.
func (b *Blacklist) Contains(nodeID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.set[nodeID]
	return ok
}

// Add durably persists nodeID into the blacklist before returning (spec.md
// §4.2). The WAL transaction commits first so a crash between the WAL
// write and the bolt commit is recovered by New's replay loop.
func (b *Blacklist) Add(nodeID string) error {
	payload, err := encoding.Marshal(nodeID)
	if err != nil {
		return errors.AddContext(err, "unable to marshal blacklist update")
	}
	txn, err := b.wal.NewTransaction([]writeaheadlog.Update{{
		Name:         walUpdateAddNode,
		Version:      1,
		Instructions: payload,
	}})
	if err != nil {
		return errors.AddContext(err, "unable to create wal transaction")
	}
	if err := <-txn.SignalSetupComplete(); err != nil {
		return errors.AddContext(err, "unable to commit wal transaction")
	}
	if err := b.applyAdd(nodeID); err != nil {
		return errors.AddContext(err, "unable to apply blacklist add")
	}
	if err := txn.SignalUpdatesApplied(); err != nil {
		return errors.AddContext(err, "unable to signal wal update applied")
	}
	return nil
}

// Snapshot returns a point-in-time immutable copy of the blacklisted
// node ids. The demotable lock lets Add hold the write lock only for the
// map mutation itself and readers take the cheap read path (spec.md §5:
// "the Blacklist ... serializes writes and exposes only point-in-time
// snapshots to readers").
func (b *Blacklist) Snapshot() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.set))
	for id := range b.set {
		out = append(out, id)
	}
	return out
}

// Close releases the backing db and wal handles.
func (b *Blacklist) Close() error {
	return errors.Compose(b.wal.Close(), b.db.Close())
}
