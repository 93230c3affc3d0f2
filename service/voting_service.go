package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"

	"votecommit/encryption"
	"votecommit/logger"
	"votecommit/lottery"
	"votecommit/models"
)

// ReceiptPrefix starts every receipt id.
const ReceiptPrefix = "RCPT-"

// Recorder keeps sealed commitments. ledger.Ledger satisfies it.
type Recorder interface {
	Append(c *models.VoteCommitment) (*models.Block, error)
	Find(receiptID string) (*models.Block, bool)
}

// ReceiptStore archives rendered receipts. storage.ReceiptArchive satisfies
// it.
type ReceiptStore interface {
	Save(receiptID, text string) error
}

type Option func(*CommitmentService)

func WithRecorder(r Recorder) Option {
	return func(s *CommitmentService) { s.recorder = r }
}

func WithReceiptStore(r ReceiptStore) Option {
	return func(s *CommitmentService) { s.receipts = r }
}

func WithMetrics(m *MetricsCollector) Option {
	return func(s *CommitmentService) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *CommitmentService) { s.now = now }
}

// CommitmentService turns completed ballots into sealed commitments and
// receipts. It performs no network I/O of its own and is safe for concurrent
// use.
type CommitmentService struct {
	hasher *encryption.Hasher
	codec  encryption.Codec
	issuer lottery.Issuer
	ids    *snowflake.Node
	logger logger.Logger

	recorder Recorder
	receipts ReceiptStore
	metrics  *MetricsCollector
	now      func() time.Time
}

// NewCommitmentService wires the builder. issuer may be nil when no election
// is gamified.
func NewCommitmentService(
	hasher *encryption.Hasher,
	codec encryption.Codec,
	issuer lottery.Issuer,
	ids *snowflake.Node,
	log logger.Logger,
	opts ...Option,
) *CommitmentService {
	s := &CommitmentService{
		hasher: hasher,
		codec:  codec,
		issuer: issuer,
		ids:    ids,
		logger: log,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Build validates the ballot against the election, derives a lottery ticket
// when the election is gamified, then seals the commitment and records its
// receipt. Nothing is recorded when any step fails.
func (s *CommitmentService) Build(
	ctx context.Context,
	userID string,
	ballot models.Ballot,
	election models.ElectionContext,
) (*models.VoteCommitment, *models.Receipt, error) {
	return s.BuildWithPayment(ctx, userID, ballot, election, nil)
}

// BuildWithPayment is Build for paid elections. The payment summary travels
// inside the sealed payload but is not covered by the integrity hash.
func (s *CommitmentService) BuildWithPayment(
	ctx context.Context,
	userID string,
	ballot models.Ballot,
	election models.ElectionContext,
	payment *models.PaymentSummary,
) (*models.VoteCommitment, *models.Receipt, error) {
	started := time.Now()

	if userID == "" {
		return nil, nil, fmt.Errorf("%w: missing user id", encryption.ErrMalformedFields)
	}
	if election.ElectionID == "" {
		return nil, nil, fmt.Errorf("%w: missing election id", encryption.ErrMalformedFields)
	}

	answers, problems := collectAnswers(ballot, election)
	if len(problems) > 0 {
		if s.metrics != nil {
			s.metrics.RecordValidationFailures(problems)
		}
		s.logger.Debugf("Rejected ballot for election %s: %v", election.ElectionID, problems)
		return nil, nil, problems
	}

	if err := encryption.ValidateText(models.CommitmentFields{
		ElectionID: election.ElectionID,
		UserID:     userID,
		Answers:    answers,
	}); err != nil {
		return nil, nil, err
	}
	if err := validatePayment(payment); err != nil {
		return nil, nil, err
	}

	at := s.now().UTC().Truncate(time.Millisecond)
	commitment := &models.VoteCommitment{
		VoteID:     uuid.NewString(),
		ReceiptID:  NewReceiptID(s.ids),
		Timestamp:  at,
		ElectionID: election.ElectionID,
		UserID:     userID,
		Answers:    answers,
	}
	if payment != nil {
		summary := *payment
		commitment.PaymentSummary = &summary
	}

	hash, err := s.hasher.Hash(commitment.Fields())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to hash commitment: %w", err)
	}
	commitment.IntegrityHash = hash

	sealed, err := encryption.SealRecord(s.codec, commitment)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to seal commitment: %w", err)
	}
	commitment.SealedPayload = sealed

	receipt := &models.Receipt{
		VoteID:        commitment.VoteID,
		ReceiptID:     commitment.ReceiptID,
		ElectionID:    commitment.ElectionID,
		Timestamp:     commitment.Timestamp,
		IntegrityHash: commitment.IntegrityHash,
	}

	if election.Gamified {
		if s.issuer == nil {
			return nil, nil, errors.New("election is gamified but no ticket issuer is configured")
		}
		ticket, err := s.issuer.Issue(ctx, userID, election.ElectionID, at)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to issue lottery ticket: %w", err)
		}
		receipt.TicketNumber = &ticket
	}

	if s.recorder != nil {
		if _, err := s.recorder.Append(commitment.Clone()); err != nil {
			if receipt.TicketNumber != nil {
				s.releaseTicket(ctx, userID, election.ElectionID, *receipt.TicketNumber)
			}
			return nil, nil, fmt.Errorf("failed to record commitment: %w", err)
		}
	}

	if s.receipts != nil {
		if err := s.receipts.Save(receipt.ReceiptID, RenderReceipt(*receipt)); err != nil {
			s.logger.Warnf("Failed to archive receipt %s: %v", receipt.ReceiptID, err)
		}
	}

	if s.metrics != nil {
		if receipt.TicketNumber != nil {
			s.metrics.RecordTicketIssued()
		}
		s.metrics.RecordSeal(election.Gamified, time.Since(started))
	}
	s.logger.Infof("Sealed vote %s for election %s as %s", commitment.VoteID, commitment.ElectionID, commitment.ReceiptID)

	return commitment, receipt, nil
}

// releaseTicket hands back a ticket claimed by a build that did not
// complete, so a retry derives the same number again.
func (s *CommitmentService) releaseTicket(ctx context.Context, userID, electionID string, ticket models.LotteryTicket) {
	if err := s.issuer.Release(ctx, userID, electionID, ticket); err != nil {
		s.logger.Warnf("Failed to release lottery ticket %s of election %s: %v", ticket, electionID, err)
	}
}

// validatePayment rejects payment text the sealed JSON could not carry
// unchanged.
func validatePayment(payment *models.PaymentSummary) error {
	if payment == nil {
		return nil
	}
	for _, value := range []string{payment.Provider, payment.TransactionID, payment.Currency} {
		if !utf8.ValidString(value) {
			return fmt.Errorf("%w: payment summary is not valid utf-8", encryption.ErrMalformedFields)
		}
	}
	return nil
}

// NewReceiptID returns ReceiptPrefix followed by an upper case base36
// snowflake id.
func NewReceiptID(node *snowflake.Node) string {
	return ReceiptPrefix + strings.ToUpper(node.Generate().Base36())
}

// collectAnswers walks the election's questions in order. Unanswered
// optional questions are left out; every missing required answer and every
// answered question the election does not define is reported.
func collectAnswers(ballot models.Ballot, election models.ElectionContext) ([]models.VoteAnswer, ValidationErrors) {
	var problems ValidationErrors
	answers := make([]models.VoteAnswer, 0, len(election.Questions))
	known := make(map[string]bool, len(election.Questions))

	for _, q := range election.Questions {
		known[q.ID] = true
		options := dedupe(ballot.Answers[q.ID])
		if len(options) == 0 {
			if q.Required {
				problems = append(problems, ValidationError{QuestionID: q.ID, Reason: ReasonMissingAnswer})
			}
			continue
		}
		answers = append(answers, models.VoteAnswer{QuestionID: q.ID, SelectedOptionIDs: options})
	}

	var unknown []string
	for id, options := range ballot.Answers {
		if !known[id] && len(dedupe(options)) > 0 {
			unknown = append(unknown, id)
		}
	}
	sort.Strings(unknown)
	for _, id := range unknown {
		problems = append(problems, ValidationError{QuestionID: id, Reason: ReasonUnknownQuestion})
	}

	return answers, problems
}

// dedupe drops blanks and repeats, keeping first occurrences in order.
func dedupe(options []string) []string {
	var out []string
	seen := make(map[string]bool, len(options))
	for _, o := range options {
		if o == "" || seen[o] {
			continue
		}
		seen[o] = true
		out = append(out, o)
	}
	return out
}
