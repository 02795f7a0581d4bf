// Package chain implements the Chain Store: the append-only,
// digest-keyed set of known blocks together with the notarization and
// finalization overlay.
package chain

import "github.com/nimbusledger/streamlet/internal/digest"

// Transaction is the client payload carried inside a block.
type Transaction struct {
	TxID     uint64
	Sender   string
	Receiver string
	Amount   uint64
}

// Block is the unit of agreement. Transactions is kept as an
// insertion-ordered slice alongside a lookup map so that both
// "ordered map" semantics from the spec and O(1) membership checks
// are available without a third data structure.
//
// Signature is the proposer's signature over Hash (§1: "cryptographic
// signing is abstracted behind an interface"). It is attached after
// Hash is computed and is not itself part of the hash preimage, so
// re-signing never changes a block's identity.
type Block struct {
	Epoch        uint64
	PreviousHash digest.Digest
	Transactions []Transaction
	Length       uint64
	Hash         digest.Digest
	Signature    []byte
}

// NewGenesisBlock returns the fixed genesis block: epoch 0, zero
// parent digest, no transactions, length 0. It is implicitly
// notarized at every participant (§ Glossary).
func NewGenesisBlock(hasher digest.Hasher) *Block {
	b := &Block{
		Epoch:        0,
		PreviousHash: digest.Zero,
		Transactions: nil,
		Length:       0,
	}
	b.Hash = hasher.HashBlock(b.Length, b.Epoch, b.PreviousHash, nil)
	return b
}

// NewBlock constructs and hashes a non-genesis block proposed atop
// parent at the given epoch.
func NewBlock(hasher digest.Hasher, epoch uint64, parent *Block, txs []Transaction) *Block {
	b := &Block{
		Epoch:        epoch,
		PreviousHash: parent.Hash,
		Transactions: txs,
		Length:       parent.Length + 1,
	}
	b.Hash = hasher.HashBlock(b.Length, b.Epoch, b.PreviousHash, txIDs(txs))
	return b
}

func txIDs(txs []Transaction) []uint64 {
	if len(txs) == 0 {
		return nil
	}
	ids := make([]uint64, len(txs))
	for i, tx := range txs {
		ids[i] = tx.TxID
	}
	return ids
}

// Header is the vote payload shape (§4.4): identifies a block without
// carrying its transaction body.
type Header struct {
	Hash         digest.Digest
	Epoch        uint64
	PreviousHash digest.Digest
	Length       uint64
}

// HeaderOf extracts the block's header.
func (b *Block) HeaderOf() Header {
	return Header{
		Hash:         b.Hash,
		Epoch:        b.Epoch,
		PreviousHash: b.PreviousHash,
		Length:       b.Length,
	}
}
