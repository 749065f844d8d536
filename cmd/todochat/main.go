package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/spf13/afero"

	"github.com/basket/todo-chat/internal/config"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

// CLI is the root command line.
type CLI struct {
	Home string `env:"TODOCHAT_HOME" type:"path" help:"Data directory (default ~/.todochat)."`

	Serve   ServeCmd   `cmd:"" default:"1" help:"Run the chat and task API server (default)."`
	Migrate MigrateCmd `cmd:"" help:"Create or upgrade the database schema and print its version."`
	Backup  BackupCmd  `cmd:"" help:"Write a database snapshot now."`
	Token   TokenCmd   `cmd:"" help:"Issue a bearer token for local testing."`
	Doctor  DoctorCmd  `cmd:"" help:"Run diagnostic checks."`
	Version VersionCmd `cmd:"" help:"Print the version."`
}

// loadConfig reads config.yaml and PROMPT.md from the selected home dir.
func (c *CLI) loadConfig() (config.Config, error) {
	home := c.Home
	if home == "" {
		home = config.HomeDir()
	}
	return config.LoadFS(afero.NewOsFs(), home)
}

func newParser(cli *CLI) (*kong.Kong, error) {
	return kong.New(cli,
		kong.Name("todochat"),
		kong.Description("Conversational todo assistant: chat endpoint, task API and event feed."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)
}

func main() {
	_ = godotenv.Load(".env")

	var cli CLI
	parser, err := newParser(&cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// startupError logs a fatal startup failure with its reason code and returns
// it for the CLI to report.
func startupError(logger *slog.Logger, reasonCode string, err error) error {
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", err)
	}
	return fmt.Errorf("%s: %w", reasonCode, err)
}
