// Package main is the spiderdb admin CLI.
//
// spiderdb stores portia project repositories as git object graphs inside a
// relational database. The CLI manages the database schema and the
// repository namespaces:
//
//	spiderdb [flags] migrate
//	spiderdb [flags] repos create <name>
//	spiderdb [flags] repos list
//	spiderdb [flags] repos rm <name>
//	spiderdb [flags] fsck <name>
//
// Configuration is read from CLI flags and an optional YAML config file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-git/go-git/v5/plumbing"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	_ "modernc.org/sqlite"

	"github.com/spiderdb/spiderdb/internal/gitdb"
	"github.com/spiderdb/spiderdb/internal/sqldb"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "spiderdb: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	driver := flag.String("driver", "sqlite", "Database driver (sqlite, pgx)")
	dsn := flag.String("db", "spiderdb.db", "Database DSN (file path for sqlite, URL for pgx)")
	configPath := flag.String("config", "", "YAML config file (flags win over file values)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	poolSize := flag.Int("pool-size", 0, "Max open database connections (0 = default)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	if !set["driver"] && cfg.Driver != "" {
		*driver = cfg.Driver
	}
	if !set["db"] && cfg.DSN != "" {
		*dsn = cfg.DSN
	}
	if !set["log-level"] && cfg.LogLevel != "" {
		*logLevel = cfg.LogLevel
	}
	if !set["pool-size"] && cfg.PoolSize > 0 {
		*poolSize = cfg.PoolSize
	}

	ll := &slog.LevelVar{}
	switch *logLevel {
	case "debug":
		ll.Set(slog.LevelDebug)
	case "info":
		ll.Set(slog.LevelInfo)
	case "warn":
		ll.Set(slog.LevelWarn)
	case "error":
		ll.Set(slog.LevelError)
	default:
		return fmt.Errorf("invalid log level %q", *logLevel)
	}
	logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		return errors.New("missing command (migrate, repos, fsck)")
	}

	var opts []sqldb.Option
	if *poolSize > 0 {
		opts = append(opts, sqldb.WithMaxConns(*poolSize))
	}
	db, err := sqldb.Open(*driver, *dsn, opts...)
	if err != nil {
		return err
	}
	defer db.Close()

	switch args[0] {
	case "migrate":
		return runMigrate(ctx, db)
	case "repos":
		return runRepos(ctx, db, args[1:])
	case "fsck":
		if len(args) != 2 {
			return errors.New("usage: fsck <name>")
		}
		return runFsck(ctx, db, args[1])
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func runMigrate(ctx context.Context, db *sqldb.DB) error {
	if err := db.RunInTx(ctx, gitdb.Migrate); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	slog.Info("schema up to date")
	return nil
}

func runRepos(ctx context.Context, db *sqldb.DB, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: repos create|list|rm")
	}
	switch args[0] {
	case "create":
		if len(args) != 2 {
			return errors.New("usage: repos create <name>")
		}
		return db.RunInTx(ctx, func(ctx context.Context, tx *sqldb.Tx) error {
			ok, err := gitdb.Exists(ctx, args[1], tx)
			if err != nil {
				return err
			}
			if ok {
				return fmt.Errorf("repository %q already exists", args[1])
			}
			if _, err := gitdb.Init(ctx, args[1], tx); err != nil {
				return err
			}
			slog.Info("repository created", "name", args[1])
			return nil
		})
	case "list":
		return db.RunInTx(ctx, func(ctx context.Context, tx *sqldb.Tx) error {
			names, err := gitdb.List(ctx, tx)
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		})
	case "rm":
		if len(args) != 2 {
			return errors.New("usage: repos rm <name>")
		}
		return db.RunInTx(ctx, func(ctx context.Context, tx *sqldb.Tx) error {
			ok, err := gitdb.Exists(ctx, args[1], tx)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("repository %q does not exist", args[1])
			}
			if err := gitdb.Delete(ctx, args[1], tx); err != nil {
				return err
			}
			slog.Info("repository deleted", "name", args[1])
			return nil
		})
	default:
		return fmt.Errorf("unknown repos command %q", args[0])
	}
}

// runFsck re-hashes every object in a repository and reports mismatches.
func runFsck(ctx context.Context, db *sqldb.DB, name string) error {
	return db.RunInTx(ctx, func(ctx context.Context, tx *sqldb.Tx) error {
		ok, err := gitdb.Exists(ctx, name, tx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("repository %q does not exist", name)
		}
		repo := gitdb.Open(name, tx)
		checked, corrupt := 0, 0
		err = repo.Objects.ForEach(ctx, func(h plumbing.Hash) error {
			typ, data, err := repo.Objects.Get(ctx, h)
			if err != nil {
				return err
			}
			if plumbing.ComputeHash(typ, data) != h {
				corrupt++
				slog.Error("object hash mismatch", "oid", h.String())
			}
			checked++
			return nil
		})
		if err != nil {
			return err
		}
		if corrupt > 0 {
			return fmt.Errorf("fsck: %d of %d objects corrupt", corrupt, checked)
		}
		slog.Info("fsck clean", "objects", checked)
		return nil
	})
}
