package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fgeck/remote-pipeline/internal/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var validateName string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the configuration file without connecting to the remote host.
With --name only that pipeline is resolved; otherwise every pipeline is.`,
	RunE: validateConfig,
}

func init() {
	validateCmd.Flags().StringVarP(&validateName, "name", "n", "", "validate a single pipeline")
}

func validateConfig(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		log.Error().Str("file", configFile).Msg("config file not found")
		return fmt.Errorf("config file not found: %s", configFile)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	names := config.PipelineNames(cfg)
	if validateName != "" {
		profile, err := config.Resolve(cfg, validateName)
		if err != nil {
			log.Error().Err(err).Msg("pipeline validation failed")
			return err
		}
		names = []string{profile.Name}
	} else if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("configuration validation failed")
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Configuration is valid!")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Remote:")
	fmt.Fprintf(out, "  Host: %s:%d\n", cfg.Remote.Host, cfg.Remote.Port)
	fmt.Fprintf(out, "  User: %s\n", cfg.Remote.User)
	fmt.Fprintf(out, "  Strict host key: %v\n", cfg.Remote.StrictHostKey)
	fmt.Fprintf(out, "  Transfer concurrency: %d\n", cfg.Remote.TransferConcurrency)

	for _, name := range names {
		profile, err := config.Resolve(cfg, name)
		if err != nil {
			return err
		}
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Pipeline %s:\n", profile.Name)
		fmt.Fprintf(out, "  Command: %s\n", profile.CommandTemplate)
		fmt.Fprintf(out, "  Remote input: %s\n", profile.InputDir())
		fmt.Fprintf(out, "  Remote output: %s\n", profile.OutputDir())
		fmt.Fprintf(out, "  Ensured dirs: %s\n", strings.Join(profile.EnsureDirs, ", "))
		if profile.CommandTimeout > 0 {
			fmt.Fprintf(out, "  Command timeout: %s\n", profile.CommandTimeout)
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Optional Features:")
	fmt.Fprintf(out, "  Wake-on-LAN: %v\n", cfg.Remote.WOL != nil)
	fmt.Fprintf(out, "  Telegram: %v\n", cfg.Telegram != nil)
	fmt.Fprintf(out, "  History: %v\n", cfg.History != nil)

	if cfg.Remote.WOL != nil {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "WOL Configuration:")
		fmt.Fprintf(out, "  MAC Address: %s\n", cfg.Remote.WOL.MACAddress)
		fmt.Fprintf(out, "  Broadcast IP: %s\n", cfg.Remote.WOL.BroadcastIP)
		fmt.Fprintf(out, "  Probe: %s\n", cfg.Remote.WOL.ProbeAddr)
	}

	if cfg.Telegram != nil {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Telegram Configuration:")
		fmt.Fprintf(out, "  Chat ID: %s\n", cfg.Telegram.ChatID)
		fmt.Fprintln(out, "  Bot Token: (configured)")
	}

	if cfg.History != nil {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "History Configuration:")
		fmt.Fprintf(out, "  Database: %s\n", cfg.History.Path)
	}

	return nil
}
