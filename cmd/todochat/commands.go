package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/basket/todo-chat/internal/cron"
	"github.com/basket/todo-chat/internal/gateway"
	"github.com/basket/todo-chat/internal/persistence"
)

// stdout receives command output; tests swap it.
var stdout io.Writer = os.Stdout

// MigrateCmd opens the database, which applies pending migrations.
type MigrateCmd struct{}

func (c *MigrateCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	version, checksum, err := store.SchemaVersion(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "database: %s\nschema version: %d (%s)\n", cfg.DBPath, version, checksum)
	return nil
}

// BackupCmd writes a snapshot to --out, or into the configured backup dir
// with retention applied.
type BackupCmd struct {
	Out string `type:"path" help:"Snapshot path; defaults to a timestamped file in backup.dir."`
}

func (c *BackupCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	ctx := context.Background()
	path := c.Out
	if path != "" {
		if err := store.Backup(ctx, path); err != nil {
			return err
		}
	} else {
		sched, err := cron.NewScheduler(cron.Config{
			Store:    store,
			Schedule: cfg.Backup.Schedule,
			Dir:      cfg.Backup.Dir,
			Keep:     cfg.Backup.Keep,
		})
		if err != nil {
			return err
		}
		if path, err = sched.RunOnce(ctx); err != nil {
			return err
		}
	}

	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "backup written: %s (%s)\n", path, humanize.Bytes(uint64(fi.Size())))
	return nil
}

// TokenCmd signs a token with the configured secret.
type TokenCmd struct {
	UserID string        `arg:"" name:"user-id" help:"Owner id to put in the token subject."`
	TTL    time.Duration `name:"ttl" default:"24h" help:"Token lifetime."`
}

func (c *TokenCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret or JWT_SECRET_KEY must be set")
	}
	if !gateway.ValidUserID(c.UserID) {
		return fmt.Errorf("invalid user id %q", c.UserID)
	}
	auth, err := gateway.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return err
	}
	tok, err := auth.Sign(c.UserID, c.TTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, tok)
	return nil
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Fprintf(stdout, "todochat %s\n", Version)
	return nil
}
