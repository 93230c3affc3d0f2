package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// LedgerEntry is what the commitment ledger records about one sealed vote.
type LedgerEntry struct {
	ReceiptID     string `json:"receipt_id"`
	IntegrityHash Digest `json:"integrity_hash"`
	SealedPayload []byte `json:"sealed_payload"`
	SealedAt      int64  `json:"sealed_at"`
}

type Block struct {
	Index     uint64      `json:"index"`
	Timestamp int64       `json:"timestamp"` // unix milliseconds
	Entry     LedgerEntry `json:"entry"`
	PrevHash  Digest      `json:"prev_hash"`
	Hash      Digest      `json:"hash"`
}

func NewBlock(index uint64, entry LedgerEntry, prevHash Digest, at time.Time) *Block {
	block := &Block{
		Index:     index,
		Timestamp: at.UnixMilli(),
		Entry:     entry,
		PrevHash:  prevHash,
	}
	block.Hash = block.CalculateHash()
	return block
}

func (b *Block) CalculateHash() Digest {
	buffer := new(bytes.Buffer)
	binary.Write(buffer, binary.BigEndian, b.Index)
	binary.Write(buffer, binary.BigEndian, b.Timestamp)
	writeField(buffer, []byte(b.Entry.ReceiptID))
	buffer.Write(b.Entry.IntegrityHash.Bytes())
	writeField(buffer, b.Entry.SealedPayload)
	binary.Write(buffer, binary.BigEndian, b.Entry.SealedAt)
	buffer.Write(b.PrevHash.Bytes())

	return sha256.Sum256(buffer.Bytes())
}

// writeField length-prefixes variable sized data so adjacent fields cannot
// be shifted into each other.
func writeField(buffer *bytes.Buffer, data []byte) {
	binary.Write(buffer, binary.BigEndian, uint32(len(data)))
	buffer.Write(data)
}

func (b *Block) Validate() bool {
	return b.CalculateHash() == b.Hash
}

// ValidateChain checks hashes, links, indexes and timestamp order of the
// whole chain and reports the first violation.
func ValidateChain(blocks []*Block) error {
	if len(blocks) == 0 {
		return nil
	}

	if !blocks[0].Validate() {
		return fmt.Errorf("genesis block has invalid hash: stored %s, calculated %s",
			blocks[0].Hash.Hex(), blocks[0].CalculateHash().Hex())
	}

	for i := 1; i < len(blocks); i++ {
		currentBlock := blocks[i]
		previousBlock := blocks[i-1]

		if !currentBlock.Validate() {
			return fmt.Errorf("block %d has invalid hash", i)
		}

		if currentBlock.PrevHash != previousBlock.Hash {
			return fmt.Errorf("block %d has invalid previous hash link", i)
		}

		if currentBlock.Index != previousBlock.Index+1 {
			return fmt.Errorf("block %d has invalid index", i)
		}

		if currentBlock.Timestamp <= previousBlock.Timestamp {
			return fmt.Errorf("block %d has invalid timestamp", i)
		}
	}

	return nil
}
