package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/subcommands"

	"github.com/xtrntr/papertrade/internal/auth"
	"github.com/xtrntr/papertrade/internal/db"
	"github.com/xtrntr/papertrade/internal/ledger"
	"github.com/xtrntr/papertrade/internal/market"
	"github.com/xtrntr/papertrade/internal/models"
)

type migrateCmd struct {
	open opener
}

func (*migrateCmd) Name() string     { return "migrate" }
func (*migrateCmd) Synopsis() string { return "apply database migrations" }
func (*migrateCmd) Usage() string {
	return `seed migrate

  Connects with the server's postgres settings and applies every pending
  migration. Safe to run more than once.
`
}
func (*migrateCmd) SetFlags(*flag.FlagSet) {}

func (c *migrateCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	_, closeStore, err := c.open(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to migrate: %v\n", err)
		return subcommands.ExitFailure
	}
	closeStore()
	fmt.Println("Migrations applied")
	return subcommands.ExitSuccess
}

type demoCmd struct {
	open opener
	out  io.Writer

	email    string
	password string
	symbols  string
	trades   int
	seed     int64
}

func (*demoCmd) Name() string     { return "demo" }
func (*demoCmd) Synopsis() string { return "create a demo user with a simulated trade history" }
func (*demoCmd) Usage() string {
	return `seed demo [-email <email>] [-password <password>] [-symbols A,B] [-n <trades>] [-seed <seed>]

  Signs up a demo user and replays simulated fills for each symbol through
  the ledger. Does nothing if the user already has trades.
`
}

func (c *demoCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.email, "email", "demo@example.com", "Email of the demo user.")
	f.StringVar(&c.password, "password", "demo-password", "Password of the demo user.")
	f.StringVar(&c.symbols, "symbols", "GEMINI,AAPL,MSFT", "Comma separated symbols to trade.")
	f.IntVar(&c.trades, "n", 6, "Number of fills per symbol.")
	f.Int64Var(&c.seed, "seed", 1, "Seed for the simulated prices.")
}

func (c *demoCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	out := c.out
	if out == nil {
		out = os.Stdout
	}

	st, closeStore, err := c.open(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		return subcommands.ExitFailure
	}
	defer closeStore()

	user, err := c.demoUser(ctx, st)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create demo user: %v\n", err)
		return subcommands.ExitFailure
	}

	existing, err := st.GetTrades(ctx, user.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to check trades: %v\n", err)
		return subcommands.ExitFailure
	}
	if len(existing) > 0 {
		fmt.Fprintf(out, "User %s already has %d trades. No need to seed.\n", user.Email, len(existing))
		return subcommands.ExitSuccess
	}

	l := ledger.NewLedger(st, nil, nil)
	registry := market.NewRegistry(market.NewSimulator(market.NewRand(c.seed)))
	qty := market.NewRand(c.seed + 1)

	applied := 0
	for _, symbol := range strings.Split(c.symbols, ",") {
		symbol = models.NormalizeSymbol(symbol)
		if symbol == "" {
			continue
		}
		held := 0
		for i := 0; i < c.trades; i++ {
			snap := registry.Advance(symbol)

			// every third fill sells part of the position
			req := ledger.TradeRequest{Symbol: symbol, Side: "BUY", Quantity: qty.Intn(10) + 1, Price: snap.Price}
			if i%3 == 2 && held > 1 {
				req.Side, req.Quantity = "SELL", held/2
			}

			rec, err := l.ApplyTrade(ctx, user.ID, req)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to apply %s %s: %v\n", req.Side, symbol, err)
				return subcommands.ExitFailure
			}
			if rec.Side == models.SideBuy {
				held += rec.Quantity
			} else {
				held -= rec.Quantity
			}
			applied++
		}
	}

	fmt.Fprintf(out, "Seeded %d trades for %s (password %q)\n", applied, user.Email, c.password)
	return subcommands.ExitSuccess
}

func (c *demoCmd) demoUser(ctx context.Context, st store) (*models.User, error) {
	authService := auth.NewAuthService(st, "unused", 0)
	user, err := authService.Signup(ctx, c.email, c.password, c.password)
	var verr *auth.ValidationError
	if errors.As(err, &verr) && verr.Message == "Email already registered" {
		return st.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(c.email)))
	}
	return user, err
}

type showCmd struct {
	open opener
	out  io.Writer

	email  string
	trades int
}

func (*showCmd) Name() string     { return "show" }
func (*showCmd) Synopsis() string { return "print a user's holdings and recent trades" }
func (*showCmd) Usage() string {
	return `seed show -email <email> [-n <trades>]
`
}

func (c *showCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.email, "email", "", "Email of the user to show.")
	f.IntVar(&c.trades, "n", 10, "Number of most recent trades to print.")
}

func (c *showCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	out := c.out
	if out == nil {
		out = os.Stdout
	}
	if c.email == "" {
		fmt.Fprintln(os.Stderr, "-email is required")
		return subcommands.ExitUsageError
	}

	st, closeStore, err := c.open(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		return subcommands.ExitFailure
	}
	defer closeStore()

	user, err := st.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(c.email)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to find user: %v\n", err)
		return subcommands.ExitFailure
	}

	l := ledger.NewLedger(st, nil, nil)
	holdings, err := l.Portfolio(ctx, user.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load portfolio: %v\n", err)
		return subcommands.ExitFailure
	}
	trades, err := l.TradeHistory(ctx, user.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load trades: %v\n", err)
		return subcommands.ExitFailure
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tQUANTITY\tAVG PRICE")
	for _, h := range holdings {
		fmt.Fprintf(w, "%s\t%d\t%.2f\n", h.Symbol, h.Quantity, h.AvgPrice)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "TIME\tSIDE\tSYMBOL\tQUANTITY\tPRICE")
	for i, t := range trades {
		if i == c.trades {
			break
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.2f\n", t.Timestamp.Format("2006-01-02 15:04:05"), t.Side, t.Symbol, t.Quantity, t.Price)
	}
	w.Flush()
	return subcommands.ExitSuccess
}

type deleteUserCmd struct {
	open opener
	out  io.Writer

	email string
}

func (*deleteUserCmd) Name() string     { return "delete-user" }
func (*deleteUserCmd) Synopsis() string { return "delete a user with all holdings and trades" }
func (*deleteUserCmd) Usage() string {
	return `seed delete-user -email <email>
`
}

func (c *deleteUserCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.email, "email", "", "Email of the user to delete.")
}

func (c *deleteUserCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	out := c.out
	if out == nil {
		out = os.Stdout
	}
	if c.email == "" {
		fmt.Fprintln(os.Stderr, "-email is required")
		return subcommands.ExitUsageError
	}

	st, closeStore, err := c.open(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		return subcommands.ExitFailure
	}
	defer closeStore()

	user, err := st.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(c.email)))
	if errors.Is(err, db.ErrNotFound) {
		fmt.Fprintf(out, "No user %s\n", c.email)
		return subcommands.ExitSuccess
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to find user: %v\n", err)
		return subcommands.ExitFailure
	}

	if err := st.DeleteUser(ctx, user.ID); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to delete user: %v\n", err)
		return subcommands.ExitFailure
	}
	fmt.Fprintf(out, "Deleted user %s\n", user.Email)
	return subcommands.ExitSuccess
}
