// Package lottery turns voter identity into lottery entries and adapts
// upstream winner data into the strict models.WinnerEntry shape.
package lottery

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"time"

	"votecommit/encryption"
	"votecommit/models"
)

// DerivationPreconditionError reports an identity field missing at
// derivation time. It indicates an integration bug, not user error.
type DerivationPreconditionError struct {
	Field string
}

func (e *DerivationPreconditionError) Error() string {
	return "cannot derive lottery ticket: missing " + e.Field
}

// Deriver computes tickets from (userID, electionID, instant). Two voters may
// legitimately derive the same number.
type Deriver struct {
	hash encryption.HashFunc
}

// NewDeriver returns a deriver hashing with alg, the same family the
// integrity hasher uses.
func NewDeriver(alg encryption.Algorithm) (*Deriver, error) {
	hash, err := encryption.HashFuncFor(alg)
	if err != nil {
		return nil, err
	}
	return &Deriver{hash: hash}, nil
}

// Derive hashes "<len>:<userID>:<len>:<electionID>:<unix ms>" and reduces
// the first four digest bytes modulo 10^8. The length prefixes keep ids that
// contain ':' from shifting into each other, so ("a:b", "c") and ("a", "b:c")
// derive from different inputs. Collisions between voters remain possible;
// Issuer decides what to do about them.
func (d *Deriver) Derive(userID, electionID string, at time.Time) (models.LotteryTicket, error) {
	return d.derive(userID, electionID, at, 0)
}

// derive appends the salt to the hashed input when it is non-zero, so salt 0
// reproduces Derive exactly.
func (d *Deriver) derive(userID, electionID string, at time.Time, salt int) (models.LotteryTicket, error) {
	if userID == "" {
		return 0, &DerivationPreconditionError{Field: "user id"}
	}
	if electionID == "" {
		return 0, &DerivationPreconditionError{Field: "election id"}
	}

	input := fmt.Sprintf("%d:%s:%d:%s:%d", len(userID), userID, len(electionID), electionID, at.UnixMilli())
	if salt != 0 {
		input += ":" + strconv.Itoa(salt)
	}

	sum := d.hash([]byte(input))
	return models.NewLotteryTicket(uint64(binary.BigEndian.Uint32(sum[:4]))), nil
}
