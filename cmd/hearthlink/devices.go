package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hearthlink/hearthlink/pkg/appliance"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List appliances registered to this account",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := appliance.New(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		defer client.Shutdown(ctx)

		if !client.HasCredentials() {
			return fmt.Errorf("not logged in; run 'hearthlink login' first")
		}
		if err := client.Start(ctx); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SAID\tMODEL\tNAME")
		for _, d := range client.Devices() {
			fmt.Fprintf(w, "%s\t%s\t%s\n", d.SAID, d.Model, d.Name)
		}
		return w.Flush()
	},
}
