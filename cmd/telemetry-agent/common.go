package main

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/ahmed-com/telemetry-agent/config"
	"github.com/ahmed-com/telemetry-agent/storage"
	"github.com/ahmed-com/telemetry-agent/storage/badger"
)

func loadConfig(cfgFile string) (*config.Config, error) {
	var opts []config.LoaderOption
	if cfgFile != "" {
		opts = append(opts, config.WithConfigFile(cfgFile))
	}
	return config.NewLoader(opts...).Load()
}

func openStorage(cfg config.StorageConfig) (storage.Storage, error) {
	if cfg.InMemory {
		return badger.NewInMemoryBadgerStorage()
	}
	return badger.NewBadgerStorage(cfg.Path)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
