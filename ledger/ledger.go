// Package ledger implements the append-only Merkle ledger of an election.
//
// Leaves are SHA-256(value) in insertion order and internal nodes are
// SHA-256(left || right). A trailing odd node is paired with itself. The tree
// keeps every level in memory and, on append, only recomputes the right edge
// (the path of the new leaf), so the root stays a pure function of the ordered
// leaf list while an append costs O(log n).
package ledger

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"github.com/vocdoni/ballot-integrity/types"
)

var (
	// ErrLeafNotFound is returned when a proof is requested for an unknown leaf.
	ErrLeafNotFound = errors.New("leaf not found in ledger")
	// ErrEmptyLedger is returned when a proof is requested on an empty ledger.
	ErrEmptyLedger = errors.New("empty ledger")
)

// Tree is the Merkle ledger. Appends are serialized with the write lock, while
// readers share a read lock so that they always observe a complete tree.
type Tree struct {
	mu     sync.RWMutex
	levels [][][]byte
	index  map[string]uint64
}

// New returns an empty ledger.
func New() *Tree {
	return &Tree{
		levels: [][][]byte{{}},
		index:  make(map[string]uint64),
	}
}

// Load returns a ledger holding the given leaf values, in order.
func Load(values [][]byte) *Tree {
	t := New()
	for _, v := range values {
		t.appendLocked(LeafHash(v))
	}
	return t
}

// LeafHash returns the hash of a leaf value.
func LeafHash(value []byte) []byte {
	h := sha256.Sum256(value)
	return h[:]
}

func hashPair(left, right []byte) []byte {
	h := sha256.New()
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// Append adds a leaf value at the end of the ledger and returns its index.
func (t *Tree) Append(value []byte) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.appendLocked(LeafHash(value))
}

func (t *Tree) appendLocked(leaf []byte) uint64 {
	idx := uint64(len(t.levels[0]))
	t.levels[0] = append(t.levels[0], leaf)
	if _, ok := t.index[string(leaf)]; !ok {
		t.index[string(leaf)] = idx
	}
	t.fixRightEdge()
	return idx
}

// Truncate removes the last leaf, which must be at index idx. It is the
// compensation step of a casting workflow whose commit failed.
func (t *Tree) Truncate(idx uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := uint64(len(t.levels[0]))
	if n == 0 || idx != n-1 {
		return fmt.Errorf("cannot truncate leaf %d of a ledger with %d leaves", idx, n)
	}
	leaf := t.levels[0][idx]
	if pos, ok := t.index[string(leaf)]; ok && pos == idx {
		delete(t.index, string(leaf))
	}
	t.levels[0] = t.levels[0][:idx]
	t.fixRightEdge()
	return nil
}

// fixRightEdge recomputes the last node of every level above the leaves and
// drops levels that are no longer needed.
func (t *Tree) fixRightEdge() {
	lvl := 0
	for len(t.levels[lvl]) > 1 {
		cur := t.levels[lvl]
		parentLen := (len(cur) + 1) / 2
		if lvl+1 == len(t.levels) {
			t.levels = append(t.levels, nil)
		}
		next := t.levels[lvl+1]
		if len(next) > parentLen {
			next = next[:parentLen]
		}
		for len(next) < parentLen {
			next = append(next, nil)
		}
		last := len(cur) - 1
		left := cur[last&^1]
		right := left
		if last|1 < len(cur) {
			right = cur[last|1]
		}
		next[parentLen-1] = hashPair(left, right)
		t.levels[lvl+1] = next
		lvl++
	}
	t.levels = t.levels[:lvl+1]
}

// Size returns the number of leaves.
func (t *Tree) Size() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return uint64(len(t.levels[0]))
}

// Root returns the current root, or nil when the ledger is empty.
func (t *Tree) Root() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rootLocked()
}

func (t *Tree) rootLocked() []byte {
	if len(t.levels[0]) == 0 {
		return nil
	}
	return bytes.Clone(t.levels[len(t.levels)-1][0])
}

// Leaf returns the leaf hash at index i.
func (t *Tree) Leaf(i uint64) ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i >= uint64(len(t.levels[0])) {
		return nil, fmt.Errorf("%w: index %d", ErrLeafNotFound, i)
	}
	return bytes.Clone(t.levels[0][i]), nil
}

// Proof returns the inclusion proof of the first occurrence of value, along
// with the root it proves against.
func (t *Tree) Proof(value []byte) (*types.MerkleProof, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.index[string(LeafHash(value))]
	if !ok {
		return nil, ErrLeafNotFound
	}
	return t.proofLocked(idx)
}

// ProofAt returns the inclusion proof of the leaf at index i.
func (t *Tree) ProofAt(i uint64) (*types.MerkleProof, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.proofLocked(i)
}

func (t *Tree) proofLocked(i uint64) (*types.MerkleProof, error) {
	n := uint64(len(t.levels[0]))
	if n == 0 {
		return nil, ErrEmptyLedger
	}
	if i >= n {
		return nil, fmt.Errorf("%w: index %d", ErrLeafNotFound, i)
	}
	proof := &types.MerkleProof{
		LeafIndex: i,
		TreeSize:  n,
		Steps:     []types.ProofStep{},
		Root:      t.rootLocked(),
	}
	pos := i
	for lvl := 0; lvl < len(t.levels)-1; lvl++ {
		cur := t.levels[lvl]
		if pos%2 == 0 {
			sibling := cur[pos]
			if pos+1 < uint64(len(cur)) {
				sibling = cur[pos+1]
			}
			proof.Steps = append(proof.Steps, types.ProofStep{
				Hash:     bytes.Clone(sibling),
				Position: types.SideRight,
			})
		} else {
			proof.Steps = append(proof.Steps, types.ProofStep{
				Hash:     bytes.Clone(cur[pos-1]),
				Position: types.SideLeft,
			})
		}
		pos /= 2
	}
	return proof, nil
}

// Verify recomputes the root from a leaf value and its proof steps and
// compares it with root in constant time.
func Verify(value []byte, steps []types.ProofStep, root []byte) bool {
	if len(root) != sha256.Size {
		return false
	}
	current := LeafHash(value)
	for _, step := range steps {
		if len(step.Hash) != sha256.Size {
			return false
		}
		switch step.Position {
		case types.SideLeft:
			current = hashPair(step.Hash, current)
		case types.SideRight:
			current = hashPair(current, step.Hash)
		default:
			return false
		}
	}
	return subtle.ConstantTimeCompare(current, root) == 1
}

// BuildRoot computes the root of a ledger holding values by rebuilding every
// level from scratch. It returns nil for an empty list.
func BuildRoot(values [][]byte) []byte {
	if len(values) == 0 {
		return nil
	}
	level := make([][]byte, len(values))
	for i, v := range values {
		level[i] = LeafHash(v)
	}
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, hashPair(level[i], right))
		}
		level = next
	}
	return level[0]
}
