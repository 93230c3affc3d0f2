package service

import (
	"errors"
	"fmt"

	"votecommit/encryption"
	"votecommit/ledger"
	"votecommit/models"
)

var ErrNoRecorder = errors.New("no commitment recorder configured")

// Verification is the outcome of checking a receipt against the ledger.
type Verification struct {
	ReceiptID     string        `json:"receipt_id"`
	IntegrityHash models.Digest `json:"integrity_hash"`
	// BlockIntact is false when the recorded block no longer matches its
	// own hash.
	BlockIntact bool `json:"block_intact"`
	// PayloadMatches is true when the sealed payload opens and rehashes to
	// the recorded integrity hash.
	PayloadMatches bool `json:"payload_matches"`
}

func (v Verification) Valid() bool {
	return v.BlockIntact && v.PayloadMatches
}

// OpenCommitment reverses the sealing done by Build.
func OpenCommitment(codec encryption.Codec, sealed []byte) (*models.VoteCommitment, error) {
	c, err := encryption.OpenRecord[models.VoteCommitment](codec, sealed)
	if err != nil {
		return nil, err
	}
	c.SealedPayload = append([]byte(nil), sealed...)
	return &c, nil
}

// VerifyReceipt reopens the recorded payload of receiptID and recomputes
// its integrity hash. A payload that fails to open is reported through
// PayloadMatches, not as an error. An unknown receipt wraps
// ledger.ErrNotFound.
func (s *CommitmentService) VerifyReceipt(receiptID string) (Verification, error) {
	if s.recorder == nil {
		return Verification{}, ErrNoRecorder
	}

	block, ok := s.recorder.Find(receiptID)
	if !ok {
		return Verification{}, fmt.Errorf("%w: %s", ledger.ErrNotFound, receiptID)
	}

	result := Verification{
		ReceiptID:     receiptID,
		IntegrityHash: block.Entry.IntegrityHash,
		BlockIntact:   block.Validate(),
	}

	c, err := OpenCommitment(s.codec, block.Entry.SealedPayload)
	if err != nil {
		s.logger.Errorf("Sealed payload of receipt %s does not open: %v", receiptID, err)
		return result, nil
	}

	hash, err := s.hasher.Hash(c.Fields())
	if err != nil {
		s.logger.Errorf("Sealed payload of receipt %s is malformed: %v", receiptID, err)
		return result, nil
	}
	result.PayloadMatches = hash == block.Entry.IntegrityHash && c.IntegrityHash == hash
	return result, nil
}
