package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func newProbeCmd(a *app) *cobra.Command {
	var fetchConfig bool
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Run one connectivity cycle against the device and print the result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := a.buildCore()
			c.monitor.Tick(contextOf(cmd))
			if fetchConfig {
				c.monitor.WaitConfigFetch()
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"endpoint": c.monitor.Endpoint(),
				"state":    c.state.Snapshot(),
			})
		},
	}
	cmd.Flags().BoolVar(&fetchConfig, "fetch-config", false, "wait for the device configuration after a successful probe")
	return cmd
}
