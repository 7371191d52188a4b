package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	telemetry "github.com/ahmed-com/telemetry-agent"
	"github.com/ahmed-com/telemetry-agent/config"
	"github.com/ahmed-com/telemetry-agent/id"
	"github.com/ahmed-com/telemetry-agent/storage"
	"github.com/ahmed-com/telemetry-agent/ticker"
)

type pollerStatus struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Type  config.PollerType      `json:"type"`
	State *telemetry.PollerState `json:"state"`
}

type statusReport struct {
	Pollers []pollerStatus `json:"pollers"`
	// Orphans are persisted states of pollers no longer configured
	Orphans []string `json:"orphans"`
	Pruned  bool     `json:"pruned,omitempty"`
}

func statusCmd(cfgFile *string) *cobra.Command {
	var prune bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the persisted state of every configured poller",
		Long: `Reads the state store directly. The store is locked while the agent
runs; query the /pollers endpoint of a running agent instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgFile)
			if err != nil {
				return err
			}
			store, err := openStorage(cfg.Storage)
			if err != nil {
				return fmt.Errorf("failed to open storage: %w", err)
			}
			defer store.Close()

			ctx := cmd.Context()
			report := statusReport{Pollers: make([]pollerStatus, 0, len(cfg.Pollers))}
			for _, pc := range cfg.Pollers {
				pollerID := id.GeneratePollerID(cfg.System, pc.Name)
				st, err := store.GetPollerState(ctx, pollerID)
				if err != nil && !errors.Is(err, storage.ErrNotFound) {
					return err
				}
				report.Pollers = append(report.Pollers, pollerStatus{ID: pollerID, Name: pc.Name, Type: pc.Type, State: st})
			}

			stored, err := store.ListPollerIDs(ctx)
			if err != nil {
				return err
			}
			configured := lo.Map(report.Pollers, func(p pollerStatus, _ int) string { return p.ID })
			report.Orphans = lo.Without(stored, configured...)
			if prune {
				for _, pollerID := range report.Orphans {
					if err := store.DeletePollerState(ctx, pollerID); err != nil {
						return fmt.Errorf("failed to prune %s: %w", pollerID, err)
					}
				}
				report.Pruned = len(report.Orphans) > 0
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().BoolVar(&prune, "prune", false, "delete persisted states of pollers no longer configured")
	return cmd
}

func scheduleCmd(cfgFile *string) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "schedule [poller...]",
		Short: "Preview the next fire dates of the configured pollers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgFile)
			if err != nil {
				return err
			}

			pollers := cfg.Pollers
			if len(args) > 0 {
				pollers = lo.Filter(pollers, func(p config.PollerConfig, _ int) bool { return lo.Contains(args, p.Name) })
				if len(pollers) == 0 {
					return fmt.Errorf("no configured poller named %v", args)
				}
			}

			out := cmd.OutOrStdout()
			now := time.Now()
			for _, pc := range pollers {
				s, err := ticker.New(pc.Schedule)
				if err != nil {
					return fmt.Errorf("poller %s: %w", pc.Name, err)
				}
				fmt.Fprintf(out, "%s (%s):\n", pc.Name, pc.Schedule.Kind)
				for _, fire := range ticker.Preview(s, now, count) {
					fmt.Fprintf(out, "  %s\n", fire.Format(time.RFC3339))
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 5, "number of fire dates per poller")
	return cmd
}
