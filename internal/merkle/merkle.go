// Package merkle builds the verifiable commitment over a finalized epoch's
// point totals.
//
// Encoding is fixed for external-verifier compatibility:
//
//	leaf = Keccak256(address_bytes || points_total_wei as big-endian 16 bytes)
//	node = Keccak256(left || right)
//
// Leaves are sorted by normalized user address; an unmatched node at a level
// promotes unhashed. points_total_wei is the ledger total scaled by 1e18 and
// truncated, so the u128 encoding is exact.
package merkle

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/model"
	"github.com/ntfound-dev/zkcarel-protocol-sub001/internal/parser"
)

var weiScale = new(big.Float).SetFloat64(1e18)

// ProofStep is one sibling hash on the path to the root. Left reports
// whether the sibling sits on the left of the running hash.
type ProofStep struct {
	Hash string `json:"hash"`
	Left bool   `json:"left"`
}

// Proof is a sibling-hash inclusion proof for one user's leaf.
type Proof struct {
	Epoch    int64       `json:"epoch"`
	User     string      `json:"user"`
	Leaf     string      `json:"leaf"`
	Root     string      `json:"root"`
	Siblings []ProofStep `json:"siblings"`
}

// Tree is a binary merkle tree over ledger entries. Identical ledger state
// always yields the identical root.
type Tree struct {
	levels [][][]byte
	index  map[string]int
}

// PointsToWei converts a ledger total into the 1e18 fixed-point integer
// committed in a leaf.
func PointsToWei(points float64) *big.Int {
	if points <= 0 {
		return new(big.Int)
	}
	wei, _ := new(big.Float).Mul(new(big.Float).SetFloat64(points), weiScale).Int(nil)
	return wei
}

// LeafHash computes the leaf for one user. The address is normalized before
// its bytes are hashed so the commitment is reproducible from any casing.
func LeafHash(address string, points float64) ([]byte, error) {
	addrBytes, err := addressBytes(address)
	if err != nil {
		return nil, err
	}
	amount := make([]byte, 16)
	wei := PointsToWei(points)
	if wei.BitLen() > 128 {
		return nil, fmt.Errorf("points total overflows u128: %s", wei)
	}
	wei.FillBytes(amount)
	return crypto.Keccak256(addrBytes, amount), nil
}

func addressBytes(address string) ([]byte, error) {
	normalized := strings.TrimPrefix(parser.NormalizeAddress(address), "0x")
	if len(normalized)%2 == 1 {
		normalized = "0" + normalized
	}
	raw, err := hex.DecodeString(normalized)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", address, err)
	}
	return raw, nil
}

// BuildTree constructs the tree for a finalized epoch's ledger entries.
func BuildTree(entries []model.PointsLedgerEntry) (*Tree, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("no ledger entries to commit")
	}

	sorted := make([]model.PointsLedgerEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return parser.NormalizeAddress(sorted[i].UserAddress) < parser.NormalizeAddress(sorted[j].UserAddress)
	})

	leaves := make([][]byte, 0, len(sorted))
	index := make(map[string]int, len(sorted))
	for i, entry := range sorted {
		leaf, err := LeafHash(entry.UserAddress, entry.TotalPoints)
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, leaf)
		index[parser.NormalizeAddress(entry.UserAddress)] = i
	}

	levels := [][][]byte{leaves}
	current := leaves
	for len(current) > 1 {
		next := make([][]byte, 0, (len(current)+1)/2)
		for i := 0; i < len(current); i += 2 {
			if i+1 < len(current) {
				next = append(next, crypto.Keccak256(current[i], current[i+1]))
			} else {
				// odd node promotes unhashed
				next = append(next, current[i])
			}
		}
		levels = append(levels, next)
		current = next
	}

	return &Tree{levels: levels, index: index}, nil
}

// Root returns the 0x-prefixed hex root.
func (t *Tree) Root() string {
	top := t.levels[len(t.levels)-1]
	return "0x" + hex.EncodeToString(top[0])
}

// LeafCount returns the number of committed leaves.
func (t *Tree) LeafCount() int {
	return len(t.levels[0])
}

// Prove returns the inclusion proof for a user, or false when the user is
// not in the tree.
func (t *Tree) Prove(user string) (Proof, bool) {
	normalized := parser.NormalizeAddress(user)
	pos, ok := t.index[normalized]
	if !ok {
		return Proof{}, false
	}

	siblings := make([]ProofStep, 0, len(t.levels))
	for level := 0; level < len(t.levels)-1; level++ {
		nodes := t.levels[level]
		var sibling int
		if pos%2 == 0 {
			sibling = pos + 1
		} else {
			sibling = pos - 1
		}
		if sibling < len(nodes) {
			siblings = append(siblings, ProofStep{
				Hash: "0x" + hex.EncodeToString(nodes[sibling]),
				Left: sibling < pos,
			})
		}
		pos /= 2
	}

	return Proof{
		User:     normalized,
		Leaf:     "0x" + hex.EncodeToString(t.levels[0][t.index[normalized]]),
		Root:     t.Root(),
		Siblings: siblings,
	}, true
}

// VerifyProof replays a proof against its root. Any verifier with the
// documented encoding can perform the same check independently.
func VerifyProof(proof Proof) bool {
	current, err := hexBytes(proof.Leaf)
	if err != nil {
		return false
	}
	for _, step := range proof.Siblings {
		sibling, err := hexBytes(step.Hash)
		if err != nil {
			return false
		}
		if step.Left {
			current = crypto.Keccak256(sibling, current)
		} else {
			current = crypto.Keccak256(current, sibling)
		}
	}
	root, err := hexBytes(proof.Root)
	if err != nil {
		return false
	}
	return bytes.Equal(current, root)
}

func hexBytes(value string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(value, "0x"))
}
