package encryption

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"

	"votecommit/models"
)

type Algorithm string

const (
	SHA256    Algorithm = "sha256"
	SHA3_256  Algorithm = "sha3-256"
	Keccak256 Algorithm = "keccak256"
)

// CanonicalTimeLayout is the millisecond UTC form timestamps take inside the
// hashed serialization.
const CanonicalTimeLayout = "2006-01-02T15:04:05.000Z"

var ErrMalformedFields = errors.New("malformed commitment fields")

// HashFunc digests the concatenation of its inputs into 32 bytes.
type HashFunc func(data ...[]byte) []byte

func HashFuncFor(alg Algorithm) (HashFunc, error) {
	switch alg {
	case SHA256:
		return func(data ...[]byte) []byte {
			h := sha256.New()
			for _, b := range data {
				h.Write(b)
			}
			return h.Sum(nil)
		}, nil
	case SHA3_256:
		return func(data ...[]byte) []byte {
			h := sha3.New256()
			for _, b := range data {
				h.Write(b)
			}
			return h.Sum(nil)
		}, nil
	case Keccak256:
		return crypto.Keccak256, nil
	}
	return nil, fmt.Errorf("unsupported hash algorithm %q", alg)
}

// Hasher fingerprints commitments. It is pure and safe for concurrent use.
type Hasher struct {
	alg  Algorithm
	hash HashFunc
}

// NewHasher returns a hasher for alg, or an error for an unknown algorithm.
func NewHasher(alg Algorithm) (*Hasher, error) {
	hash, err := HashFuncFor(alg)
	if err != nil {
		return nil, err
	}
	return &Hasher{alg: alg, hash: hash}, nil
}

func (h *Hasher) Algorithm() Algorithm {
	return h.alg
}

// Sum exposes the raw hash primitive for other fingerprints built on the same
// function, such as ticket derivation.
func (h *Hasher) Sum(data ...[]byte) []byte {
	return h.hash(data...)
}

// Hash returns the integrity digest of fields.
func (h *Hasher) Hash(fields models.CommitmentFields) (models.Digest, error) {
	b, err := CanonicalBytes(fields)
	if err != nil {
		return models.Digest{}, err
	}
	return models.Digest(h.hash(b)), nil
}

// Helper structs fixing the field order of the hashed serialization.
type canonicalAnswer struct {
	QuestionID        string   `json:"questionId"`
	SelectedOptionIDs []string `json:"selectedOptionIds"`
}

type canonicalFields struct {
	VoteID     string            `json:"voteId"`
	ElectionID string            `json:"electionId"`
	UserID     string            `json:"userId"`
	Answers    []canonicalAnswer `json:"answers"`
	Timestamp  string            `json:"timestamp"`
}

// CanonicalBytes serializes fields as compact JSON in the fixed order
// voteId, electionId, userId, answers, timestamp. Strings must be valid
// UTF-8: the JSON encoder would otherwise map distinct invalid byte
// sequences onto the same replacement character.
func CanonicalBytes(fields models.CommitmentFields) ([]byte, error) {
	if err := ValidateText(fields); err != nil {
		return nil, err
	}

	switch {
	case fields.VoteID == "":
		return nil, fmt.Errorf("%w: missing vote id", ErrMalformedFields)
	case fields.ElectionID == "":
		return nil, fmt.Errorf("%w: missing election id", ErrMalformedFields)
	case fields.UserID == "":
		return nil, fmt.Errorf("%w: missing user id", ErrMalformedFields)
	case fields.Timestamp.IsZero():
		return nil, fmt.Errorf("%w: missing timestamp", ErrMalformedFields)
	}

	answers := make([]canonicalAnswer, 0, len(fields.Answers))
	for _, a := range fields.Answers {
		if a.QuestionID == "" {
			return nil, fmt.Errorf("%w: answer without question id", ErrMalformedFields)
		}
		options := a.SelectedOptionIDs
		if options == nil {
			options = []string{}
		}
		answers = append(answers, canonicalAnswer{QuestionID: a.QuestionID, SelectedOptionIDs: options})
	}

	buffer := new(bytes.Buffer)
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	err := encoder.Encode(canonicalFields{
		VoteID:     fields.VoteID,
		ElectionID: fields.ElectionID,
		UserID:     fields.UserID,
		Answers:    answers,
		Timestamp:  fields.Timestamp.UTC().Format(CanonicalTimeLayout),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal commitment fields: %w", err)
	}

	// Encode terminates with a newline which is not part of the canonical form.
	return bytes.TrimSuffix(buffer.Bytes(), []byte("\n")), nil
}

// ValidateText rejects commitment fields holding invalid UTF-8.
func ValidateText(fields models.CommitmentFields) error {
	check := func(name, value string) error {
		if !utf8.ValidString(value) {
			return fmt.Errorf("%w: %s is not valid utf-8", ErrMalformedFields, name)
		}
		return nil
	}

	for _, f := range [][2]string{
		{"vote id", fields.VoteID},
		{"election id", fields.ElectionID},
		{"user id", fields.UserID},
	} {
		if err := check(f[0], f[1]); err != nil {
			return err
		}
	}
	for _, a := range fields.Answers {
		if err := check("question id", a.QuestionID); err != nil {
			return err
		}
		for _, option := range a.SelectedOptionIDs {
			if err := check("option id", option); err != nil {
				return err
			}
		}
	}
	return nil
}
