package models

import "github.com/shopspring/decimal"

// WinnerEntry is the strict internal shape of a lottery winner. Upstream
// spellings are normalized before a value of this type is built.
type WinnerEntry struct {
	Rank        int             `json:"rank"`
	Ticket      LotteryTicket   `json:"ticket"`
	DisplayName string          `json:"display_name"`
	PrizeAmount decimal.Decimal `json:"prize_amount"`
}
