package lottery

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"reflect"
	"sort"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"

	"votecommit/models"
)

// Upstream winner payloads use several spellings for the same field. The
// first alias found wins.
var (
	rankAliases   = []string{"rank", "position", "place"}
	ticketAliases = []string{"ticket", "ticketNumber", "ticket_number", "lotteryTicket", "lottery_ticket", "number"}
	nameAliases   = []string{"displayName", "display_name", "name", "userName", "username", "user_name", "winnerName"}
	prizeAliases  = []string{"prizeAmount", "prize_amount", "prize", "amount"}
)

type rawWinner struct {
	Rank        int                  `mapstructure:"rank"`
	Ticket      models.LotteryTicket `mapstructure:"ticket"`
	DisplayName string               `mapstructure:"display_name"`
	PrizeAmount decimal.Decimal      `mapstructure:"prize_amount"`
}

// NormalizeWinners maps loosely shaped winner records onto WinnerEntry and
// returns them sorted by rank. A missing or non-positive rank falls back to
// the record's 1-based list position.
func NormalizeWinners(records []map[string]any) ([]models.WinnerEntry, error) {
	winners := make([]models.WinnerEntry, 0, len(records))
	for i, record := range records {
		canonical := map[string]any{}
		if v, ok := lookup(record, rankAliases); ok {
			canonical["rank"] = v
		}
		v, ok := lookup(record, ticketAliases)
		if !ok {
			return nil, fmt.Errorf("winner %d: missing ticket number", i)
		}
		canonical["ticket"] = v
		if v, ok := lookupName(record); ok {
			canonical["display_name"] = v
		}
		if v, ok := lookup(record, prizeAliases); ok {
			canonical["prize_amount"] = v
		}

		var raw rawWinner
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				ticketHook,
				decimalHook,
			),
			WeaklyTypedInput: true,
			Result:           &raw,
		})
		if err != nil {
			return nil, err
		}
		if err := decoder.Decode(canonical); err != nil {
			return nil, fmt.Errorf("winner %d: %w", i, err)
		}

		if raw.Rank < 1 {
			raw.Rank = i + 1
		}
		if raw.DisplayName == "" {
			raw.DisplayName = fmt.Sprintf("Winner #%d", raw.Rank)
		}

		winners = append(winners, models.WinnerEntry{
			Rank:        raw.Rank,
			Ticket:      raw.Ticket,
			DisplayName: raw.DisplayName,
			PrizeAmount: raw.PrizeAmount,
		})
	}

	sort.SliceStable(winners, func(i, j int) bool {
		return winners[i].Rank < winners[j].Rank
	})
	return winners, nil
}

func lookup(record map[string]any, aliases []string) (any, bool) {
	for _, alias := range aliases {
		if v, ok := record[alias]; ok && v != nil {
			return v, true
		}
	}
	for _, alias := range aliases {
		for key, v := range record {
			if v != nil && strings.EqualFold(key, alias) {
				return v, true
			}
		}
	}
	return nil, false
}

// lookupName also accepts a nested user object carrying the name.
func lookupName(record map[string]any) (any, bool) {
	if v, ok := lookup(record, nameAliases); ok {
		return v, true
	}
	if user, ok := record["user"].(map[string]any); ok {
		return lookup(user, nameAliases)
	}
	return nil, false
}

var (
	ticketType  = reflect.TypeOf(models.LotteryTicket(0))
	decimalType = reflect.TypeOf(decimal.Decimal{})
)

func ticketHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != ticketType {
		return data, nil
	}

	switch v := data.(type) {
	case string:
		return models.ParseTicket(v)
	case json.Number:
		return models.ParseTicket(v.String())
	case float64:
		if v < 0 || v >= models.TicketModulus || v != math.Trunc(v) {
			return nil, fmt.Errorf("ticket number %v out of range", v)
		}
		return models.LotteryTicket(v), nil
	case int:
		if v < 0 || v >= models.TicketModulus {
			return nil, fmt.Errorf("ticket number %d out of range", v)
		}
		return models.LotteryTicket(v), nil
	case int64:
		if v < 0 || v >= models.TicketModulus {
			return nil, fmt.Errorf("ticket number %d out of range", v)
		}
		return models.LotteryTicket(v), nil
	}
	return data, nil
}

func decimalHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != decimalType {
		return data, nil
	}

	switch v := data.(type) {
	case string:
		cleaned := strings.NewReplacer(",", "", "$", "", "€", "", " ", "").Replace(v)
		return decimal.NewFromString(cleaned)
	case json.Number:
		return decimal.NewFromString(v.String())
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	}
	return data, nil
}

// SynthesizeWinners builds n demonstration winners with distinct random
// tickets, used when no upstream winner data exists. Names are taken from
// pool in order.
func SynthesizeWinners(n int, pool []string, rnd *rand.Rand) []models.WinnerEntry {
	if n <= 0 {
		return nil
	}

	topPrize := decimal.NewFromInt(1000)
	seen := make(map[models.LotteryTicket]struct{}, n)
	winners := make([]models.WinnerEntry, 0, n)
	for rank := 1; rank <= n; rank++ {
		var ticket models.LotteryTicket
		for {
			ticket = models.LotteryTicket(rnd.Intn(models.TicketModulus))
			if _, dup := seen[ticket]; !dup {
				break
			}
		}
		seen[ticket] = struct{}{}

		name := fmt.Sprintf("Winner #%d", rank)
		if rank <= len(pool) && pool[rank-1] != "" {
			name = pool[rank-1]
		}

		winners = append(winners, models.WinnerEntry{
			Rank:        rank,
			Ticket:      ticket,
			DisplayName: name,
			PrizeAmount: topPrize.Div(decimal.NewFromInt(int64(rank))).Round(2),
		})
	}
	return winners
}
