package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"votecommit/encryption"
	"votecommit/ledger"
	"votecommit/logger"
	"votecommit/lottery"
	"votecommit/models"
)

var castAt = time.Date(2024, 5, 1, 12, 30, 0, 123_456_789, time.UTC)

var election = models.ElectionContext{
	ElectionID: "election-2024",
	Questions: []models.Question{
		{ID: "q1", Required: true},
		{ID: "q2", Required: false},
		{ID: "q3", Required: true},
	},
}

type fixture struct {
	service  *CommitmentService
	hasher   *encryption.Hasher
	codec    encryption.Codec
	deriver  *lottery.Deriver
	ledger   *ledger.Ledger
	metrics  *MetricsCollector
	archived map[string]string
}

type mapReceiptStore map[string]string

func (m mapReceiptStore) Save(receiptID, text string) error {
	m[receiptID] = text
	return nil
}

func newFixture(t *testing.T) *fixture {
	hasher, err := encryption.NewHasher(encryption.SHA256)
	require.NoError(t, err)
	codec, err := encryption.NewAESGCMCodec(encryption.StaticKey("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	deriver, err := lottery.NewDeriver(encryption.SHA256)
	require.NoError(t, err)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	l, err := ledger.New(nil, logger.NewNop())
	require.NoError(t, err)

	f := &fixture{
		hasher:   hasher,
		codec:    codec,
		deriver:  deriver,
		ledger:   l,
		metrics:  NewMetricsCollector(),
		archived: map[string]string{},
	}
	f.service = NewCommitmentService(hasher, codec, lottery.AcceptCollisions{Deriver: deriver}, node, logger.NewNop(),
		WithRecorder(l),
		WithReceiptStore(mapReceiptStore(f.archived)),
		WithMetrics(f.metrics),
		WithClock(func() time.Time { return castAt }),
	)
	return f
}

func TestBuild(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ballot := models.Ballot{Answers: map[string][]string{
		"q3": {"c", "a", "c", ""},
		"q1": {"x"},
	}}
	commitment, receipt, err := f.service.Build(ctx, "user-42", ballot, election)
	require.NoError(t, err)

	t.Run("answers follow election order", func(t *testing.T) {
		require.Equal(t, []models.VoteAnswer{
			{QuestionID: "q1", SelectedOptionIDs: []string{"x"}},
			{QuestionID: "q3", SelectedOptionIDs: []string{"c", "a"}},
		}, commitment.Answers)
	})

	t.Run("identifiers", func(t *testing.T) {
		require.Len(t, commitment.VoteID, 36)
		require.True(t, strings.HasPrefix(commitment.ReceiptID, ReceiptPrefix))
		require.Equal(t, castAt.Truncate(time.Millisecond), commitment.Timestamp)

		_, other, err := f.service.Build(ctx, "user-43", ballot, election)
		require.NoError(t, err)
		require.NotEqual(t, receipt.ReceiptID, other.ReceiptID)
		require.NotEqual(t, receipt.VoteID, other.VoteID)
	})

	t.Run("integrity hash covers the fixed fields", func(t *testing.T) {
		expected, err := f.hasher.Hash(commitment.Fields())
		require.NoError(t, err)
		require.Equal(t, expected, commitment.IntegrityHash)
		require.Equal(t, expected, receipt.IntegrityHash)
	})

	t.Run("sealed payload opens to the full record", func(t *testing.T) {
		opened, err := OpenCommitment(f.codec, commitment.SealedPayload)
		require.NoError(t, err)
		require.Equal(t, commitment.VoteID, opened.VoteID)
		require.Equal(t, commitment.IntegrityHash, opened.IntegrityHash)
		require.Equal(t, commitment.Answers, opened.Answers)
		require.True(t, commitment.Timestamp.Equal(opened.Timestamp))
	})

	t.Run("no ticket outside gamified elections", func(t *testing.T) {
		require.Nil(t, receipt.TicketNumber)
	})

	t.Run("recorded, archived and counted", func(t *testing.T) {
		ok, err := f.ledger.Verify(receipt.ReceiptID, receipt.IntegrityHash)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, RenderReceipt(*receipt), f.archived[receipt.ReceiptID])
		require.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Counter(CommitmentsSealedTotal).WithLabelValues("false")))
	})
}

func TestBuildGamified(t *testing.T) {
	f := newFixture(t)
	gamified := election
	gamified.Gamified = true

	ballot := models.Ballot{Answers: map[string][]string{"q1": {"x"}, "q3": {"y"}}}
	commitment, receipt, err := f.service.Build(context.Background(), "user-42", ballot, gamified)
	require.NoError(t, err)
	require.NotNil(t, receipt.TicketNumber)

	expected, err := f.deriver.Derive("user-42", "election-2024", commitment.Timestamp)
	require.NoError(t, err)
	require.Equal(t, expected, *receipt.TicketNumber)

	opened, err := OpenCommitment(f.codec, commitment.SealedPayload)
	require.NoError(t, err)
	require.NotContains(t, string(commitment.SealedPayload), receipt.TicketNumber.String())
	require.Equal(t, commitment.IntegrityHash, opened.IntegrityHash)
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Counter(TicketsIssuedTotal).WithLabelValues()))

	t.Run("without issuer", func(t *testing.T) {
		node, _ := snowflake.NewNode(2)
		s := NewCommitmentService(f.hasher, f.codec, nil, node, logger.NewNop())
		_, _, err := s.Build(context.Background(), "user-42", ballot, gamified)
		require.Error(t, err)
	})
}

type failingRecorder struct {
	err error
}

func (r failingRecorder) Append(*models.VoteCommitment) (*models.Block, error) {
	return nil, r.err
}

func (r failingRecorder) Find(string) (*models.Block, bool) {
	return nil, false
}

func TestBuildRecordFailure(t *testing.T) {
	f := newFixture(t)
	gamified := election
	gamified.Gamified = true
	ballot := models.Ballot{Answers: map[string][]string{"q1": {"x"}, "q3": {"y"}}}

	registry := lottery.NewMemoryRegistry()
	issuer := lottery.NewUniqueIssuer(f.deriver, registry, 4)
	node, err := snowflake.NewNode(5)
	require.NoError(t, err)
	metrics := NewMetricsCollector()
	diskFull := errors.New("disk full")
	s := NewCommitmentService(f.hasher, f.codec, issuer, node, logger.NewNop(),
		WithRecorder(failingRecorder{err: diskFull}),
		WithMetrics(metrics),
		WithClock(func() time.Time { return castAt }),
	)

	commitment, receipt, err := s.Build(context.Background(), "user-42", ballot, gamified)
	require.ErrorIs(t, err, diskFull)
	require.Nil(t, commitment)
	require.Nil(t, receipt)
	require.Zero(t, registry.Count("election-2024"))
	require.Zero(t, testutil.ToFloat64(metrics.Counter(TicketsIssuedTotal).WithLabelValues()))

	t.Run("retry gets the unsalted ticket", func(t *testing.T) {
		ok := NewCommitmentService(f.hasher, f.codec, issuer, node, logger.NewNop(),
			WithClock(func() time.Time { return castAt }),
		)
		_, receipt, err := ok.Build(context.Background(), "user-42", ballot, gamified)
		require.NoError(t, err)

		expected, err := f.deriver.Derive("user-42", "election-2024", castAt.Truncate(time.Millisecond))
		require.NoError(t, err)
		require.Equal(t, expected, *receipt.TicketNumber)
		require.Equal(t, 1, registry.Count("election-2024"))
	})
}

func TestBuildRejectsInvalidText(t *testing.T) {
	f := newFixture(t)

	for name, build := range map[string]func() error{
		"user id": func() error {
			_, _, err := f.service.Build(context.Background(), "u\xfe", models.Ballot{Answers: map[string][]string{"q1": {"x"}, "q3": {"y"}}}, election)
			return err
		},
		"option id": func() error {
			_, _, err := f.service.Build(context.Background(), "user-42", models.Ballot{Answers: map[string][]string{"q1": {"opt\xff"}, "q3": {"y"}}}, election)
			return err
		},
		"election id": func() error {
			broken := election
			broken.ElectionID = "election-\xc3"
			_, _, err := f.service.Build(context.Background(), "user-42", models.Ballot{Answers: map[string][]string{"q1": {"x"}, "q3": {"y"}}}, broken)
			return err
		},
		"payment": func() error {
			payment := &models.PaymentSummary{Provider: "stripe", TransactionID: "pi_\xfe", Currency: "EUR"}
			_, _, err := f.service.BuildWithPayment(context.Background(), "user-42", models.Ballot{Answers: map[string][]string{"q1": {"x"}, "q3": {"y"}}}, election, payment)
			return err
		},
	} {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, build(), encryption.ErrMalformedFields)
		})
	}

	require.Equal(t, 1, f.ledger.Len())
	require.Empty(t, f.archived)
}

func TestBuildValidation(t *testing.T) {
	f := newFixture(t)

	ballot := models.Ballot{Answers: map[string][]string{
		"q2":    {"b"},
		"q3":    {""},
		"zz":    {"x"},
		"blank": {},
	}}
	commitment, receipt, err := f.service.Build(context.Background(), "user-42", ballot, election)
	require.Nil(t, commitment)
	require.Nil(t, receipt)

	var problems ValidationErrors
	require.True(t, errors.As(err, &problems))
	require.Equal(t, ValidationErrors{
		{QuestionID: "q1", Reason: ReasonMissingAnswer},
		{QuestionID: "q3", Reason: ReasonMissingAnswer},
		{QuestionID: "zz", Reason: ReasonUnknownQuestion},
	}, problems)
	require.Equal(t, []string{"q1", "q3", "zz"}, problems.QuestionIDs())
	require.Contains(t, err.Error(), "3 problem(s)")

	var single ValidationError
	require.True(t, errors.As(err, &single))
	require.Equal(t, "q1", single.QuestionID)

	require.Equal(t, 1, f.ledger.Len())
	require.Empty(t, f.archived)
	require.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Counter(ValidationFailuresTotal).WithLabelValues(string(ReasonMissingAnswer))))

	t.Run("identity required", func(t *testing.T) {
		_, _, err := f.service.Build(context.Background(), "", ballot, election)
		require.ErrorIs(t, err, encryption.ErrMalformedFields)
	})
}

func TestBuildWithPayment(t *testing.T) {
	f := newFixture(t)
	payment := &models.PaymentSummary{Provider: "stripe", TransactionID: "pi_1", Currency: "EUR", Amount: decimal.RequireFromString("2.50")}
	ballot := models.Ballot{Answers: map[string][]string{"q1": {"x"}, "q3": {"y"}}}

	commitment, _, err := f.service.BuildWithPayment(context.Background(), "user-42", ballot, election, payment)
	require.NoError(t, err)

	plain, _, err := newFixture(t).service.Build(context.Background(), "user-42", ballot, election)
	require.NoError(t, err)
	require.NotNil(t, commitment.PaymentSummary)
	require.NotSame(t, payment, commitment.PaymentSummary)

	opened, err := OpenCommitment(f.codec, commitment.SealedPayload)
	require.NoError(t, err)
	require.True(t, payment.Amount.Equal(opened.PaymentSummary.Amount))

	// the payment summary is sealed but not hashed
	fields := plain.Fields()
	fields.VoteID = commitment.VoteID
	expected, err := f.hasher.Hash(fields)
	require.NoError(t, err)
	require.Equal(t, expected, commitment.IntegrityHash)
}

func TestVerifyReceipt(t *testing.T) {
	f := newFixture(t)
	ballot := models.Ballot{Answers: map[string][]string{"q1": {"x"}, "q3": {"y"}}}
	_, receipt, err := f.service.Build(context.Background(), "user-42", ballot, election)
	require.NoError(t, err)

	result, err := f.service.VerifyReceipt(receipt.ReceiptID)
	require.NoError(t, err)
	require.True(t, result.Valid())
	require.Equal(t, receipt.IntegrityHash, result.IntegrityHash)

	_, err = f.service.VerifyReceipt("RCPT-MISSING")
	require.ErrorIs(t, err, ledger.ErrNotFound)

	t.Run("payload sealed with another key", func(t *testing.T) {
		otherCodec, err := encryption.NewAESGCMCodec(encryption.StaticKey("another key of sufficient length"))
		require.NoError(t, err)
		node, _ := snowflake.NewNode(3)
		s := NewCommitmentService(f.hasher, otherCodec, nil, node, logger.NewNop(), WithRecorder(f.ledger))

		result, err := s.VerifyReceipt(receipt.ReceiptID)
		require.NoError(t, err)
		require.True(t, result.BlockIntact)
		require.False(t, result.PayloadMatches)
		require.False(t, result.Valid())
	})

	t.Run("without recorder", func(t *testing.T) {
		node, _ := snowflake.NewNode(4)
		s := NewCommitmentService(f.hasher, f.codec, nil, node, logger.NewNop())
		_, err := s.VerifyReceipt(receipt.ReceiptID)
		require.ErrorIs(t, err, ErrNoRecorder)
	})
}

func TestRenderReceipt(t *testing.T) {
	ticket := models.LotteryTicket(4213987)
	r := models.Receipt{
		VoteID:        "vote-1",
		ReceiptID:     "RCPT-ABC",
		ElectionID:    "election-2024",
		Timestamp:     castAt,
		TicketNumber:  &ticket,
		IntegrityHash: models.Digest{0xab},
	}

	lines := strings.Split(strings.TrimSuffix(RenderReceipt(r), "\n"), "\n")
	rule := strings.Repeat("=", 48)
	require.Equal(t, rule, lines[0])
	require.Equal(t, "VOTE RECEIPT", strings.TrimSpace(lines[1]))
	require.Equal(t, rule, lines[2])
	require.Equal(t, "Vote ID:        vote-1", lines[3])
	require.Equal(t, "Receipt ID:     RCPT-ABC", lines[4])
	require.Equal(t, "Election ID:    election-2024", lines[5])
	require.Equal(t, "Timestamp:      2024-05-01T12:30:00.123Z", lines[6])
	require.Equal(t, "Ticket Number:  04213987", lines[7])
	require.True(t, strings.HasPrefix(lines[8], "Integrity Hash: 0xab00"))
	require.Equal(t, rule, lines[9])
	require.Equal(t, rule, lines[len(lines)-1])

	r.TicketNumber = nil
	require.NotContains(t, RenderReceipt(r), "Ticket Number")
	require.Equal(t, "vote-receipt-RCPT-ABC.txt", ReceiptFilename(r))
}
