package main

import (
	"fmt"
	"os"

	"github.com/axonproxy/axon/internal/config"
	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	var configPath string
	var echo bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "load and validate a config file without starting the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(configPath, echo)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "configs/axon.yaml", "path to config file")
	cmd.Flags().BoolVar(&echo, "print", false, "print the effective (defaulted) config as YAML")
	return cmd
}

// runValidate exits 0 on a valid config and 1 on any failure to load
// or validate it, including a missing file — a single pass/fail signal
// for CI and deploy tooling, with the reason on stderr.
func runValidate(configPath string, echo bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("config %s is valid: %d route(s)\n", configPath, len(cfg.NormalizedRoutes()))

	if echo {
		out, err := config.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Println("---")
		fmt.Print(string(out))
	}
	return nil
}
