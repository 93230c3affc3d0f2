package app

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"votecommit/config"
	"votecommit/gate"
	"votecommit/logger"
	"votecommit/loop"
	"votecommit/lottery"
	"votecommit/models"
	"votecommit/reveal"
	"votecommit/service"
)

func testConfig(t *testing.T) config.Configs {
	cfg := config.Default()
	cfg.Seal.Key = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	cfg.Storage.Dir = t.TempDir()
	return cfg
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	t.Run("seals, records and archives", func(t *testing.T) {
		a, err := New(ctx, testConfig(t), logger.NewNop())
		require.NoError(t, err)
		defer a.Close()

		election := models.ElectionContext{
			ElectionID: "election-2024",
			Questions:  []models.Question{{ID: "q1", Required: true}},
			Gamified:   true,
		}
		_, receipt, err := a.Commitments.Build(ctx, "user-42", models.Ballot{Answers: map[string][]string{"q1": {"a"}}}, election)
		require.NoError(t, err)
		require.NotNil(t, receipt.TicketNumber)

		text, err := a.Receipts.Load(receipt.ReceiptID)
		require.NoError(t, err)
		require.Equal(t, service.RenderReceipt(*receipt), text)

		verification, err := a.Commitments.VerifyReceipt(receipt.ReceiptID)
		require.NoError(t, err)
		require.True(t, verification.Valid())
	})

	t.Run("ledger survives a restart", func(t *testing.T) {
		cfg := testConfig(t)
		a, err := New(ctx, cfg, logger.NewNop())
		require.NoError(t, err)
		_, receipt, err := a.Commitments.Build(ctx, "user-42", models.Ballot{}, models.ElectionContext{ElectionID: "e1"})
		require.NoError(t, err)
		a.Close()

		again, err := New(ctx, cfg, logger.NewNop())
		require.NoError(t, err)
		defer again.Close()
		ok, err := again.Ledger.Verify(receipt.ReceiptID, receipt.IntegrityHash)
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("unique policy without redis uses memory", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Lottery.Collision = "unique"
		a, err := New(ctx, cfg, logger.NewNop())
		require.NoError(t, err)
		defer a.Close()
		require.IsType(t, &lottery.UniqueIssuer{}, a.Issuer)
	})

	t.Run("missing seal key", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Seal.Key = ""
		_, err := New(ctx, cfg, logger.NewNop())
		require.Error(t, err)
	})
}

func TestGateMetrics(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), logger.NewNop())
	require.NoError(t, err)
	defer a.Close()

	clock := loop.NewManual(time.Unix(1_700_000_000, 0))
	g := a.NewGate(clock)
	g.Activate(10 * time.Second)

	require.False(t, g.ReportPosition(5*time.Second).Allowed)
	for p := time.Duration(0); p <= 9*time.Second; p += 250 * time.Millisecond {
		g.ReportPosition(p)
	}
	require.True(t, g.CanProceed())

	require.Equal(t, 1.0, testutil.ToFloat64(a.Metrics.Counter(service.SkipsPreventedTotal).WithLabelValues()))
	require.Equal(t, 1.0, testutil.ToFloat64(a.Metrics.Counter(service.GateCompletionsTotal).WithLabelValues("tracked")))

	t.Run("caller hooks run alongside the metrics", func(t *testing.T) {
		completed := 0
		skipped := 0
		own := a.NewGate(clock,
			gate.OnComplete(func() { completed++ }),
			gate.OnSkipPrevented(func(time.Duration, time.Duration) { skipped++ }),
		)
		own.Activate(10 * time.Second)
		require.False(t, own.ReportPosition(5*time.Second).Allowed)
		for p := time.Duration(0); p <= 9*time.Second; p += 250 * time.Millisecond {
			own.ReportPosition(p)
		}

		require.Equal(t, 1, completed)
		require.Equal(t, 1, skipped)
		require.Equal(t, 2.0, testutil.ToFloat64(a.Metrics.Counter(service.SkipsPreventedTotal).WithLabelValues()))
		require.Equal(t, 2.0, testutil.ToFloat64(a.Metrics.Counter(service.GateCompletionsTotal).WithLabelValues("tracked")))
	})

	g.Reset()
	g.ActivateFallback()
	clock.Advance(a.Config.Gate.FallbackDuration)
	require.True(t, g.CanProceed())
	require.Equal(t, 1.0, testutil.ToFloat64(a.Metrics.Counter(service.GateCompletionsTotal).WithLabelValues("fallback")))
}

func TestRevealMetrics(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), logger.NewNop())
	require.NoError(t, err)
	defer a.Close()

	clock := loop.NewManual(time.Unix(1_700_000_000, 0))
	var kinds []reveal.EventKind
	s := a.NewRevealer(clock, func(e reveal.Event) { kinds = append(kinds, e.Kind) })

	ticket, err := models.ParseTicket("12345678")
	require.NoError(t, err)
	s.Start([]models.WinnerEntry{{Rank: 1, Ticket: ticket, DisplayName: "Winner #1"}})

	require.True(t, clock.RunUntil(func() bool { return s.Phase() == reveal.PhaseComplete }, 16*time.Millisecond, time.Minute))
	require.Equal(t, reveal.AllComplete, kinds[len(kinds)-1])
	require.Equal(t, 1.0, testutil.ToFloat64(a.Metrics.Counter(service.RevealsCompletedTotal).WithLabelValues()))
}
