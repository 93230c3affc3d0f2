package service

import (
	"fmt"
	"strings"

	"votecommit/encryption"
	"votecommit/models"
)

const (
	receiptWidth  = 48
	receiptTitle  = "VOTE RECEIPT"
	receiptFooter = "Keep this receipt to verify your vote."
)

// RenderReceipt lays a receipt out as the downloadable plain-text artifact:
// a header banner, one labelled field per line and a footer banner. The
// ticket line only appears for gamified elections.
func RenderReceipt(r models.Receipt) string {
	rule := strings.Repeat("=", receiptWidth)

	var b strings.Builder
	b.WriteString(rule + "\n")
	b.WriteString(center(receiptTitle) + "\n")
	b.WriteString(rule + "\n")

	field := func(label, value string) {
		fmt.Fprintf(&b, "%-16s%s\n", label+":", value)
	}
	field("Vote ID", r.VoteID)
	field("Receipt ID", r.ReceiptID)
	field("Election ID", r.ElectionID)
	field("Timestamp", r.Timestamp.UTC().Format(encryption.CanonicalTimeLayout))
	if r.TicketNumber != nil {
		field("Ticket Number", r.TicketNumber.String())
	}
	field("Integrity Hash", r.IntegrityHash.Hex())

	b.WriteString(rule + "\n")
	b.WriteString(center(receiptFooter) + "\n")
	b.WriteString(rule + "\n")
	return b.String()
}

func center(s string) string {
	pad := (receiptWidth - len(s)) / 2
	if pad <= 0 {
		return s
	}
	return strings.Repeat(" ", pad) + s
}

// ReceiptFilename is the suggested download name for a receipt.
func ReceiptFilename(r models.Receipt) string {
	return fmt.Sprintf("vote-receipt-%s.txt", r.ReceiptID)
}
