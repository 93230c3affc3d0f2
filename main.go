package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"votecommit/api"
	"votecommit/app"
	"votecommit/config"
	"votecommit/logger"
	"votecommit/loop"
	"votecommit/lottery"
	"votecommit/models"
	"votecommit/reveal"
	"votecommit/service"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	cliApp := cli.NewApp()
	cliApp.Name = "votecommit"
	cliApp.Usage = "Seal ballots into tamper-evident commitments and run fair lottery reveals"
	cliApp.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "path to a TOML config file",
			EnvVars: []string{"VOTECOMMIT_CONFIG"},
		},
	}
	cliApp.Commands = []*cli.Command{
		{
			Action:      runServe,
			Name:        "serve",
			Usage:       "Start the HTTP API",
			Category:    "Api",
			Description: `Serves ballot sealing, receipt download, ticket derivation, ledger validation and metrics.`,
		},
		{
			Action:   runSeal,
			Name:     "seal",
			Usage:    "Seal one ballot and print its receipt",
			Category: "Commitments",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "ballot", Usage: "JSON file with one ballot or a list of ballots", Required: true},
				&cli.IntFlag{Name: "workers", Usage: "concurrent sealers for a list of ballots", Value: 4},
			},
		},
		{
			Action:   runTicket,
			Name:     "ticket",
			Usage:    "Derive a lottery ticket",
			Category: "Lottery",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "user", Required: true},
				&cli.StringFlag{Name: "election", Required: true},
				&cli.Int64Flag{Name: "at", Usage: "derivation instant in unix milliseconds (default now)"},
			},
		},
		{
			Action:   runReveal,
			Name:     "reveal",
			Usage:    "Play the lottery reveal sequence in the terminal",
			Category: "Lottery",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "winners", Usage: "JSON file with a list of winner records"},
				&cli.IntFlag{Name: "demo", Usage: "synthesize this many winners when no file is given", Value: 3},
				&cli.Float64Flag{Name: "speed", Usage: "timing multiplier, 2 plays twice as fast", Value: 1},
			},
		},
		{
			Action:   runWatch,
			Name:     "watch",
			Usage:    "Replay player positions through the watch gate",
			Category: "Gate",
			Flags: []cli.Flag{
				&cli.DurationFlag{Name: "duration", Usage: "media length", Required: true},
				&cli.StringFlag{Name: "positions", Usage: "comma separated positions, e.g. 0s,1s,30s"},
				&cli.DurationFlag{Name: "play-to", Usage: "report normal playback up to this position"},
				&cli.BoolFlag{Name: "fallback", Usage: "use the fallback timer instead of positions"},
			},
		},
	}
	return cliApp
}

type runtime struct {
	cfg config.Configs
	log logger.Logger
	app *app.App
}

func load(c *cli.Context) (*runtime, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	zl, err := logger.NewZapLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	a, err := app.New(c.Context, cfg, zl)
	if err != nil {
		return nil, err
	}
	return &runtime{cfg: cfg, log: zl, app: a}, nil
}

func (r *runtime) close() {
	r.app.Close()
	if s, ok := r.log.(interface{ Sync() error }); ok {
		s.Sync()
	}
}

func runServe(c *cli.Context) error {
	r, err := load(c)
	if err != nil {
		return err
	}
	defer r.close()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()
	return r.app.Server().Start(ctx)
}

func runSeal(c *cli.Context) error {
	r, err := load(c)
	if err != nil {
		return err
	}
	defer r.close()

	data, err := os.ReadFile(c.String("ballot"))
	if err != nil {
		return fmt.Errorf("failed to read ballot: %w", err)
	}
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		return sealBatch(c, r, trimmed)
	}

	var req api.CastBallotRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("failed to parse ballot: %w", err)
	}

	_, receipt, err := r.app.Commitments.BuildWithPayment(c.Context, req.UserID, models.Ballot{Answers: req.Answers}, req.Election, req.Payment)
	if err != nil {
		printProblems(c, err)
		return err
	}

	fmt.Fprint(c.App.Writer, service.RenderReceipt(*receipt))
	return nil
}

func printProblems(c *cli.Context, err error) {
	var problems service.ValidationErrors
	if errors.As(err, &problems) {
		for _, p := range problems {
			fmt.Fprintln(c.App.ErrWriter, "  -", p.Error())
		}
	}
}

// sealBatch seals a JSON list of ballots through the worker queue and prints
// one line per ballot.
func sealBatch(c *cli.Context, r *runtime, data []byte) error {
	var reqs []api.CastBallotRequest
	if err := json.Unmarshal(data, &reqs); err != nil {
		return fmt.Errorf("failed to parse ballots: %w", err)
	}

	requests := make([]service.SealRequest, len(reqs))
	for i, req := range reqs {
		requests[i] = service.SealRequest{
			UserID:   req.UserID,
			Ballot:   models.Ballot{Answers: req.Answers},
			Election: req.Election,
			Payment:  req.Payment,
		}
	}

	queue := service.NewSealQueue(r.app.Commitments, c.Int("workers"), len(requests))
	defer queue.Stop()

	failed := 0
	for _, result := range queue.SealBatch(c.Context, requests) {
		if result.Err != nil {
			failed++
			fmt.Fprintf(c.App.Writer, "%4d  rejected: %v\n", result.Index, result.Err)
			continue
		}
		fmt.Fprintf(c.App.Writer, "%4d  %s  %s\n", result.Index, result.Receipt.ReceiptID, result.Receipt.IntegrityHash.Hex())
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d ballots were not sealed", failed, len(requests))
	}
	return nil
}

func runTicket(c *cli.Context) error {
	r, err := load(c)
	if err != nil {
		return err
	}
	defer r.close()

	at := time.Now()
	if c.IsSet("at") {
		at = time.UnixMilli(c.Int64("at"))
	}

	ticket, err := r.app.Deriver.Derive(c.String("user"), c.String("election"), at)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, ticket)
	return nil
}

func loadWinners(c *cli.Context) ([]models.WinnerEntry, error) {
	path := c.String("winners")
	if path == "" {
		return lottery.SynthesizeWinners(c.Int("demo"), nil, rand.New(rand.NewSource(time.Now().UnixNano()))), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read winners: %w", err)
	}
	var records []map[string]any
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse winners: %w", err)
	}
	return lottery.NormalizeWinners(records)
}

func scaled(t reveal.Timing, speed float64) reveal.Timing {
	if speed <= 0 || speed == 1 {
		return t
	}
	scale := func(d time.Duration) time.Duration { return time.Duration(float64(d) / speed) }
	t.SpinInterval = scale(t.SpinInterval)
	t.SpinDwell = scale(t.SpinDwell)
	t.InterCellDelay = scale(t.InterCellDelay)
	t.FallDuration = scale(t.FallDuration)
	t.BounceDuration = scale(t.BounceDuration)
	t.InterWinnerDelay = scale(t.InterWinnerDelay)
	t.FrameInterval = scale(t.FrameInterval)
	return t
}

func runReveal(c *cli.Context) error {
	r, err := load(c)
	if err != nil {
		return err
	}
	defer r.close()

	winners, err := loadWinners(c)
	if err != nil {
		return err
	}

	// The scheduler reveals in rank order; the handler indexes the same order.
	slices.SortStableFunc(winners, func(a, b models.WinnerEntry) int { return a.Rank - b.Rank })

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	l := loop.NewLoop(r.log, 256)
	defer l.Close()

	done := make(chan struct{})
	revealer := r.app.NewRevealer(l, func(e reveal.Event) {
		switch e.Kind {
		case reveal.WinnerStarted:
			w := winners[e.WinnerIndex]
			fmt.Fprintf(c.App.Writer, "#%d %s ", w.Rank, w.DisplayName)
		case reveal.DigitSettled:
			fmt.Fprint(c.App.Writer, e.Digit)
		case reveal.WinnerCompleted:
			fmt.Fprintf(c.App.Writer, "  prize %s\n", e.Winner.PrizeAmount.StringFixed(2))
		case reveal.AllComplete:
			close(done)
		}
	}, reveal.WithTiming(scaled(app.RevealTiming(r.cfg.Reveal), c.Float64("speed"))))

	if err := l.Call(func() { revealer.Start(winners) }); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		l.Call(revealer.Cancel)
		fmt.Fprintln(c.App.Writer)
		return ctx.Err()
	}
}

func parsePositions(raw string) ([]time.Duration, error) {
	var positions []time.Duration
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if seconds, err := strconv.ParseFloat(part, 64); err == nil {
			positions = append(positions, time.Duration(seconds*float64(time.Second)))
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, fmt.Errorf("invalid position %q", part)
		}
		positions = append(positions, d)
	}
	return positions, nil
}

func runWatch(c *cli.Context) error {
	r, err := load(c)
	if err != nil {
		return err
	}
	defer r.close()

	clock := loop.NewManual(time.Now())
	g := r.app.NewGate(clock)

	if c.Bool("fallback") {
		g.ActivateFallback()
		clock.Advance(r.cfg.Gate.FallbackDuration)
		fmt.Fprintf(c.App.Writer, "fallback timer elapsed after %s, can proceed: %t\n", r.cfg.Gate.FallbackDuration, g.CanProceed())
		return nil
	}

	positions, err := parsePositions(c.String("positions"))
	if err != nil {
		return err
	}
	for p := time.Duration(0); c.IsSet("play-to") && p <= c.Duration("play-to"); p += 250 * time.Millisecond {
		positions = append(positions, p)
	}

	g.Activate(c.Duration("duration"))
	for _, p := range positions {
		d := g.ReportPosition(p)
		if !d.Allowed {
			fmt.Fprintf(c.App.Writer, "%8s  skip prevented, seek back to %s\n", p, d.SeekTo)
		}
	}

	fmt.Fprintf(c.App.Writer, "watched %s of %s (%.0f%%), can proceed: %t\n",
		g.MaxReached(), g.Total(), g.Progress()*100, g.CanProceed())
	if !g.CanProceed() {
		return cli.Exit("", 2)
	}
	return nil
}
