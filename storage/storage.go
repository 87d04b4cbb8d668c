// storage package contains all the artifacts of the ballot integrity
// subsystem that are stored in the database. It is a prefixed key-value store
// on top of a go.vocdoni.io/dvote/db.Database. The following prefixes are used:
//   - 'e/' for elections
//   - 'bo/' for polling booths (electionID/boothID)
//   - 't/' for tallies
//   - 'b/' for ballots
//   - 'vb/' for the active ballot of a voter (electionID/voterID)
//   - 'vh/' for the voting history of a voter (voterID/electionID)
//   - 'l/' for ledger leaves (electionID/index)
//   - 'i/' for pending casting intents
//   - 'bt/' for biometric templates
//   - 'r/' for the voter roll
//   - 'w/' for wards
//   - 'p/' for voter participation
//
// Every cast is committed with a single write transaction, so that the ledger
// leaf, the ballot, its indexes and the tally are either all visible or none.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/prefixeddb"
)

var (
	// Prefixes for the keys in the database.
	electionPrefix      = []byte("e/")
	boothPrefix         = []byte("bo/")
	tallyPrefix         = []byte("t/")
	scopedTallyPrefix   = []byte("st/")
	ballotPrefix        = []byte("b/")
	voterBallotPrefix   = []byte("vb/")
	voterHistoryPrefix  = []byte("vh/")
	leafPrefix          = []byte("l/")
	intentPrefix        = []byte("i/")
	templatePrefix      = []byte("bt/")
	rollPrefix          = []byte("r/")
	wardPrefix          = []byte("w/")
	participationPrefix = []byte("p/")
)

var (
	// ErrNotFound is returned when an artifact is not in the database.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when an artifact that must be unique is
	// already stored.
	ErrAlreadyExists = errors.New("already exists")
)

// Storage wraps the database and provides typed accessors for every artifact.
type Storage struct {
	db db.Database
	// globalLock serializes the read-check-write operations that are not
	// covered by a single transaction.
	globalLock sync.Mutex
}

// New creates a new Storage instance.
func New(db db.Database) *Storage {
	return &Storage{db: db}
}

// DB returns the underlying database.
func (s *Storage) DB() db.Database {
	return s.db
}

// Close closes the storage.
func (s *Storage) Close() {
	s.db.Close()
}

// compositeKey joins the parts of a key with a '/' separator.
func compositeKey(parts ...string) []byte {
	var k []byte
	for i, p := range parts {
		if i > 0 {
			k = append(k, '/')
		}
		k = append(k, p...)
	}
	return k
}

// indexKey encodes a ledger position so that keys iterate in order.
func indexKey(electionID string, index uint64) []byte {
	k := append([]byte(electionID), '/')
	return binary.BigEndian.AppendUint64(k, index)
}

// getArtifact retrieves and decodes the artifact stored under prefix/key.
func (s *Storage) getArtifact(prefix, key []byte, out any) error {
	rd := prefixeddb.NewPrefixedReader(s.db, prefix)
	data, err := rd.Get(key)
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("get artifact: %w", err)
	}
	return decodeArtifact(data, out)
}

// setArtifact encodes and stores an artifact under prefix/key.
func (s *Storage) setArtifact(prefix, key []byte, artifact any) error {
	data, err := encodeArtifact(artifact)
	if err != nil {
		return err
	}
	wTx := prefixeddb.NewPrefixedWriteTx(s.db.WriteTx(), prefix)
	if err := wTx.Set(key, data); err != nil {
		wTx.Discard()
		return err
	}
	return wTx.Commit()
}

// deleteArtifact removes the artifact stored under prefix/key.
func (s *Storage) deleteArtifact(prefix, key []byte) error {
	rd := prefixeddb.NewPrefixedReader(s.db, prefix)
	if _, err := rd.Get(key); err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return ErrNotFound
		}
		return err
	}
	wTx := prefixeddb.NewPrefixedWriteTx(s.db.WriteTx(), prefix)
	if err := wTx.Delete(key); err != nil {
		wTx.Discard()
		return err
	}
	return wTx.Commit()
}

// exists reports whether prefix/key is present.
func (s *Storage) exists(prefix, key []byte) (bool, error) {
	rd := prefixeddb.NewPrefixedReader(s.db, prefix)
	if _, err := rd.Get(key); err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// iterate calls cb with the raw value of every artifact whose key starts with
// prefix+sub. The key passed to cb has prefix+sub stripped.
func (s *Storage) iterate(prefix, sub []byte, cb func(k, v []byte) error) error {
	rd := prefixeddb.NewPrefixedReader(s.db, prefix)
	var cbErr error
	if err := rd.Iterate(sub, func(k, v []byte) bool {
		// the iterator may reuse its buffers
		key := append([]byte(nil), k...)
		val := append([]byte(nil), v...)
		if cbErr = cb(key, val); cbErr != nil {
			return false
		}
		return true
	}); err != nil {
		return fmt.Errorf("iterate: %w", err)
	}
	return cbErr
}
