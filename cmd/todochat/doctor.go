package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/todo-chat/internal/config"
	"github.com/basket/todo-chat/internal/doctor"
)

// DoctorCmd prints a diagnostic report and fails when any check fails.
type DoctorCmd struct {
	JSON      bool `name:"json" help:"Print the report as JSON."`
	NoNetwork bool `help:"Skip the provider DNS check."`
}

var errDoctorFailed = errors.New("one or more checks failed")

func (c *DoctorCmd) Run(cli *CLI) error {
	var cfgPtr *config.Config
	cfg, err := cli.loadConfig()
	if err != nil {
		fmt.Fprintf(stdout, "Error loading config: %v\n", err)
	} else {
		cfgPtr = &cfg
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	diag := doctor.Run(ctx, cfgPtr, Version, doctor.Options{SkipNetwork: c.NoNetwork})

	if c.JSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
	} else {
		fmt.Fprintf(stdout, "todochat doctor report (%s)\n", diag.Timestamp.Format(time.RFC3339))
		fmt.Fprintf(stdout, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
		fmt.Fprintln(stdout, "---")
		for _, res := range diag.Results {
			fmt.Fprintf(stdout, "[%-4s] %-12s %s\n", res.Status, res.Name, res.Message)
			if res.Detail != "" {
				fmt.Fprintf(stdout, "       %s\n", res.Detail)
			}
		}
	}
	if diag.Failed() {
		return errDoctorFailed
	}
	return nil
}
