package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path"

	"github.com/google/subcommands"

	"github.com/xtrntr/papertrade/internal/auth"
	"github.com/xtrntr/papertrade/internal/config"
	"github.com/xtrntr/papertrade/internal/db"
	"github.com/xtrntr/papertrade/internal/ledger"
)

// store is the persistence the admin commands work against
type store interface {
	ledger.Store
	auth.UserStore
}

type opener func(ctx context.Context) (store, func(), error)

// openPostgres connects with the same settings as the server and applies
// migrations.
func openPostgres(ctx context.Context) (store, func(), error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	database, err := db.NewDB(ctx, cfg.Postgres.ConnString())
	if err != nil {
		return nil, nil, err
	}
	if err := database.Migrate(ctx); err != nil {
		database.Close(ctx)
		return nil, nil, err
	}
	return database, func() { database.Close(context.Background()) }, nil
}

func commands(open opener) []subcommands.Command {
	return []subcommands.Command{
		&migrateCmd{open: open},
		&demoCmd{open: open},
		&showCmd{open: open},
		&deleteUserCmd{open: open},
	}
}

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")

	for _, c := range commands(openPostgres) {
		commander.Register(c, "")
	}

	flag.Parse()
	status := commander.Execute(context.Background())
	if status != subcommands.ExitSuccess {
		fmt.Fprintln(os.Stderr, "seed: command failed")
	}
	os.Exit(int(status))
}
