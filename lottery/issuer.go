package lottery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"votecommit/models"
)

var ErrTicketSpaceExhausted = errors.New("no unused lottery ticket found")

// Issuer hands out the ticket attached to a gamified receipt.
type Issuer interface {
	Issue(ctx context.Context, userID, electionID string, at time.Time) (models.LotteryTicket, error)
	// Release returns a ticket issued to userID whose receipt was never
	// produced.
	Release(ctx context.Context, userID, electionID string, ticket models.LotteryTicket) error
}

// AcceptCollisions treats tickets as entries rather than identities and
// returns the derived number unchanged.
type AcceptCollisions struct {
	Deriver *Deriver
}

func (a AcceptCollisions) Issue(_ context.Context, userID, electionID string, at time.Time) (models.LotteryTicket, error) {
	return a.Deriver.Derive(userID, electionID, at)
}

// Release is a no-op: nothing is reserved.
func (a AcceptCollisions) Release(context.Context, string, string, models.LotteryTicket) error {
	return nil
}

// Registry records which tickets are taken within an election.
type Registry interface {
	// Claim reserves the ticket and reports whether it was still free.
	Claim(ctx context.Context, electionID string, ticket models.LotteryTicket, holder string) (bool, error)
	// Release frees the ticket if holder still owns it.
	Release(ctx context.Context, electionID string, ticket models.LotteryTicket, holder string) error
}

// UniqueIssuer re-derives with an increasing salt until the registry accepts
// a number. The first attempt is the unsalted derivation.
type UniqueIssuer struct {
	deriver     *Deriver
	registry    Registry
	maxAttempts int
}

func NewUniqueIssuer(deriver *Deriver, registry Registry, maxAttempts int) *UniqueIssuer {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &UniqueIssuer{deriver: deriver, registry: registry, maxAttempts: maxAttempts}
}

func (u *UniqueIssuer) Issue(ctx context.Context, userID, electionID string, at time.Time) (models.LotteryTicket, error) {
	for attempt := 0; attempt < u.maxAttempts; attempt++ {
		ticket, err := u.deriver.derive(userID, electionID, at, attempt)
		if err != nil {
			return 0, err
		}

		ok, err := u.registry.Claim(ctx, electionID, ticket, userID)
		if err != nil {
			return 0, fmt.Errorf("failed to claim ticket %s: %w", ticket, err)
		}
		if ok {
			return ticket, nil
		}
	}
	return 0, fmt.Errorf("%w after %d attempts", ErrTicketSpaceExhausted, u.maxAttempts)
}

func (u *UniqueIssuer) Release(ctx context.Context, userID, electionID string, ticket models.LotteryTicket) error {
	if err := u.registry.Release(ctx, electionID, ticket, userID); err != nil {
		return fmt.Errorf("failed to release ticket %s: %w", ticket, err)
	}
	return nil
}
