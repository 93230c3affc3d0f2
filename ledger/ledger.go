// Package ledger keeps a hash-linked, append-only record of sealed vote
// commitments so a receipt can later be checked against what was sealed.
package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"votecommit/logger"
	"votecommit/models"
)

const ChainName = "ledger"

var (
	ErrDuplicateReceipt = errors.New("receipt already recorded")
	ErrNotFound         = errors.New("receipt not recorded")
)

// Store persists chains by name. storage.JSONStore satisfies it.
type Store interface {
	LoadChain(name string) ([]*models.Block, error)
	SaveBlock(name string, block *models.Block) error
}

type Option func(*Ledger)

// WithClock replaces time.Now for block timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

type Ledger struct {
	mu     sync.RWMutex
	chain  []*models.Block
	index  map[string]int
	store  Store
	now    func() time.Time
	logger logger.Logger
}

// New loads the chain from store, creating and saving a genesis block when it
// is empty. A nil store keeps the ledger in memory. A stored chain that fails
// validation is refused.
func New(store Store, log logger.Logger, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		index:  make(map[string]int),
		store:  store,
		now:    time.Now,
		logger: log,
	}
	for _, opt := range opts {
		opt(l)
	}

	if store != nil {
		blocks, err := store.LoadChain(ChainName)
		if err != nil {
			return nil, fmt.Errorf("failed to load ledger: %w", err)
		}
		l.chain = blocks
	}

	if len(l.chain) == 0 {
		genesis := models.NewBlock(0, models.LedgerEntry{}, models.Digest{}, l.now())
		if err := l.save(genesis); err != nil {
			return nil, err
		}
		l.chain = []*models.Block{genesis}
		l.logger.Infof("Created ledger genesis block %s", genesis.Hash.Hex())
		return l, nil
	}

	if err := models.ValidateChain(l.chain); err != nil {
		return nil, fmt.Errorf("stored ledger is invalid: %w", err)
	}
	for i, block := range l.chain[1:] {
		l.index[block.Entry.ReceiptID] = i + 1
	}
	l.logger.Infof("Loaded ledger with %d blocks", len(l.chain))
	return l, nil
}

func (l *Ledger) save(block *models.Block) error {
	if l.store == nil {
		return nil
	}
	if err := l.store.SaveBlock(ChainName, block); err != nil {
		return fmt.Errorf("failed to save ledger block: %w", err)
	}
	return nil
}

// nextTimestamp keeps block timestamps strictly increasing at millisecond
// resolution.
func (l *Ledger) nextTimestamp() time.Time {
	now := l.now()
	last := l.chain[len(l.chain)-1].Timestamp
	if now.UnixMilli() <= last {
		return time.UnixMilli(last + 1)
	}
	return now
}

// Append records a sealed commitment in a new block.
func (l *Ledger) Append(c *models.VoteCommitment) (*models.Block, error) {
	if c == nil || c.ReceiptID == "" {
		return nil, errors.New("commitment without receipt id")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.index[c.ReceiptID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateReceipt, c.ReceiptID)
	}

	last := l.chain[len(l.chain)-1]
	entry := models.LedgerEntry{
		ReceiptID:     c.ReceiptID,
		IntegrityHash: c.IntegrityHash,
		SealedPayload: append([]byte(nil), c.SealedPayload...),
		SealedAt:      c.Timestamp.UnixMilli(),
	}
	block := models.NewBlock(last.Index+1, entry, last.Hash, l.nextTimestamp())

	if err := l.save(block); err != nil {
		return nil, err
	}
	l.chain = append(l.chain, block)
	l.index[c.ReceiptID] = len(l.chain) - 1

	l.logger.Debugf("Appended ledger block %d for receipt %s", block.Index, c.ReceiptID)
	copied := *block
	return &copied, nil
}

func (l *Ledger) Find(receiptID string) (*models.Block, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	i, ok := l.index[receiptID]
	if !ok {
		return nil, false
	}
	copied := *l.chain[i]
	return &copied, true
}

// Verify reports whether the recorded block for receiptID carries hash and
// is itself intact.
func (l *Ledger) Verify(receiptID string, hash models.Digest) (bool, error) {
	block, ok := l.Find(receiptID)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, receiptID)
	}
	return block.Entry.IntegrityHash == hash && block.Validate(), nil
}

func (l *Ledger) Validate() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return models.ValidateChain(l.chain)
}

// Len counts blocks including genesis.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.chain)
}

func (l *Ledger) LastHash() models.Digest {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chain[len(l.chain)-1].Hash
}
