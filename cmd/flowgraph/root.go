package main

import (
	"github.com/spf13/cobra"

	"github.com/petrijr/flowgraph/internal/config"
)

// cli holds state shared by the subcommands.
type cli struct {
	configPath string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "flowgraph",
		Short:         "Resumable graph workflow engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "path to config file (default ./flowgraph.yaml)")

	root.AddCommand(newServeCmd(c))
	root.AddCommand(newValidateCmd())
	return root
}

func (c *cli) loadConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	c.cfg = cfg
	return cfg, nil
}
