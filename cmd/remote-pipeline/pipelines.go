package main

import (
	"fmt"

	"github.com/fgeck/remote-pipeline/internal/config"
	"github.com/spf13/cobra"
)

var pipelinesCmd = &cobra.Command{
	Use:   "pipelines",
	Short: "List the pipelines defined in the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, name := range config.PipelineNames(cfg) {
			if _, err := config.Resolve(cfg, name); err != nil {
				fmt.Fprintf(out, "%s\t(invalid: %v)\n", name, err)
				continue
			}
			fmt.Fprintln(out, name)
		}
		return nil
	},
}
