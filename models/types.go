// File: models/types.go
package models

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Digest is the 32-byte fingerprint produced by the integrity hasher. It
// encodes as a 0x-prefixed hex string.
type Digest = common.Hash

const (
	// TicketDigits is the fixed decimal width of a lottery ticket.
	TicketDigits = 8
	// TicketModulus bounds ticket numbers to [0, TicketModulus).
	TicketModulus = 100_000_000
)

// LotteryTicket is a fixed-width decimal lottery entry in [0, 99999999].
type LotteryTicket uint32

// NewLotteryTicket reduces n into the ticket range.
func NewLotteryTicket(n uint64) LotteryTicket {
	return LotteryTicket(n % TicketModulus)
}

// ParseTicket accepts up to TicketDigits decimal digits. Shorter inputs are
// treated as having lost their leading zeros upstream.
func ParseTicket(s string) (LotteryTicket, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty ticket number")
	}
	if len(s) > TicketDigits {
		return 0, fmt.Errorf("ticket number %q has more than %d digits", s, TicketDigits)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("ticket number %q is not decimal", s)
		}
	}

	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("failed to parse ticket number %q: %w", s, err)
	}
	return LotteryTicket(n), nil
}

// String returns the zero-padded 8 digit form.
func (t LotteryTicket) String() string {
	return fmt.Sprintf("%0*d", TicketDigits, uint32(t))
}

// Digits returns the ticket digits left to right.
func (t LotteryTicket) Digits() [TicketDigits]int {
	var digits [TicketDigits]int
	n := uint32(t)
	for i := TicketDigits - 1; i >= 0; i-- {
		digits[i] = int(n % 10)
		n /= 10
	}
	return digits
}

func (t LotteryTicket) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *LotteryTicket) UnmarshalText(b []byte) error {
	parsed, err := ParseTicket(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
