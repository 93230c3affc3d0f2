package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// VoteAnswer holds the options picked for one question, in selection order
// and without duplicates.
type VoteAnswer struct {
	QuestionID        string   `json:"question_id"`
	SelectedOptionIDs []string `json:"selected_option_ids"`
}

// Ballot is the completed ballot handed over by the UI: question id to the
// selected option ids.
type Ballot struct {
	Answers map[string][]string `json:"answers"`
}

type Question struct {
	ID       string `json:"id"`
	Required bool   `json:"required"`
}

// ElectionContext describes the election a ballot is cast in. The order of
// Questions fixes the order of answers inside a commitment.
type ElectionContext struct {
	ElectionID string     `json:"election_id"`
	Questions  []Question `json:"questions"`
	Gamified   bool       `json:"gamified"`
}

type PaymentSummary struct {
	Provider      string          `json:"provider"`
	TransactionID string          `json:"transaction_id"`
	Currency      string          `json:"currency"`
	Amount        decimal.Decimal `json:"amount"`
}

// CommitmentFields is the subset of a commitment covered by the integrity
// hash.
type CommitmentFields struct {
	VoteID     string
	ElectionID string
	UserID     string
	Answers    []VoteAnswer
	Timestamp  time.Time
}

// VoteCommitment is a sealed vote. It is never mutated after the builder
// returns it; use Clone before handing it to code that might.
type VoteCommitment struct {
	VoteID         string          `json:"vote_id"`
	ReceiptID      string          `json:"receipt_id"`
	Timestamp      time.Time       `json:"timestamp"`
	ElectionID     string          `json:"election_id"`
	UserID         string          `json:"user_id"`
	Answers        []VoteAnswer    `json:"answers"`
	PaymentSummary *PaymentSummary `json:"payment_summary,omitempty"`
	IntegrityHash  Digest          `json:"integrity_hash"`
	SealedPayload  []byte          `json:"sealed_payload"`
}

// Fields returns the hashed subset of the commitment.
func (c *VoteCommitment) Fields() CommitmentFields {
	return CommitmentFields{
		VoteID:     c.VoteID,
		ElectionID: c.ElectionID,
		UserID:     c.UserID,
		Answers:    CloneAnswers(c.Answers),
		Timestamp:  c.Timestamp,
	}
}

func (c *VoteCommitment) Clone() *VoteCommitment {
	clone := *c
	clone.Answers = CloneAnswers(c.Answers)
	if c.PaymentSummary != nil {
		summary := *c.PaymentSummary
		clone.PaymentSummary = &summary
	}
	clone.SealedPayload = append([]byte(nil), c.SealedPayload...)
	return &clone
}

func CloneAnswers(answers []VoteAnswer) []VoteAnswer {
	if answers == nil {
		return nil
	}
	out := make([]VoteAnswer, len(answers))
	for i, a := range answers {
		out[i] = VoteAnswer{
			QuestionID:        a.QuestionID,
			SelectedOptionIDs: append([]string(nil), a.SelectedOptionIDs...),
		}
	}
	return out
}

// Receipt is the human-presentable proof of a sealed vote.
type Receipt struct {
	VoteID        string         `json:"vote_id"`
	ReceiptID     string         `json:"receipt_id"`
	ElectionID    string         `json:"election_id"`
	Timestamp     time.Time      `json:"timestamp"`
	TicketNumber  *LotteryTicket `json:"ticket_number,omitempty"`
	IntegrityHash Digest         `json:"integrity_hash"`
}
