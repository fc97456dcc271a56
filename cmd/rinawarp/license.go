package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func licenseCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "license",
		Short: "License verification",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Verify this device's license with the license server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newLicenseClient(c.cfg)
			if err != nil {
				return err
			}
			v, err := client.Verify(cmd.Context(), c.cfg.License.CustomerID, c.cfg.License.DeviceID)
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "status:    %s\n", v.Status)
			fmt.Fprintf(out, "tier:      %s\n", v.Tier)
			if v.ExpiresAt != nil {
				fmt.Fprintf(out, "expires:   %s\n", v.ExpiresAt.Format(time.RFC3339))
			}
			effective := v.Effective(now)
			if effective == "" {
				fmt.Fprintln(out, "effective: none (read-only tools only)")
				return nil
			}
			fmt.Fprintf(out, "effective: %s\n", effective)
			return nil
		},
	})
	return cmd
}
