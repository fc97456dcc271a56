package main

import (
	"fmt"
	"os"

	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/config"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/logging"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// cli carries the flags and configuration shared by every subcommand.
type cli struct {
	cfgFile string
	envFile string
	debug   bool
	cfg     config.Config
}

// Execute runs the root command.
func Execute() error {
	err := newRootCmd().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	return err
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "rinawarp",
		Short:         "rinawarp runs agent plans behind license, confirmation and audit checks",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.cfgFile, "config", "", fmt.Sprintf("config file path, json or yaml (default %s)", config.DefaultPath))
	root.PersistentFlags().StringVar(&c.envFile, "env-file", ".env", "dotenv file loaded before the config")
	root.PersistentFlags().BoolVar(&c.debug, "debug", false, "enable debug logging")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return c.load()
	}

	root.AddCommand(serveCmd(c))
	root.AddCommand(execCmd(c))
	root.AddCommand(classifyCmd())
	root.AddCommand(runsCmd(c))
	root.AddCommand(licenseCmd(c))
	return root
}

func (c *cli) load() error {
	if err := config.LoadEnvFile(c.envFile); err != nil {
		return err
	}
	cfg, err := config.Load(c.cfgFile)
	if err != nil {
		return err
	}
	c.cfg = cfg
	logging.Init(c.debug || cfg.Log.Debug, logging.Format(cfg.Log.Format))
	return nil
}
