package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <said> <favourite-id>",
	Short: "Start cooking using a saved favourite preset",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, ctx, cancel, err := startClient(cfg)
		if err != nil {
			return err
		}
		defer cancel()
		defer client.Shutdown(ctx)

		if err := client.TriggerFavourite(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Println("✓ Cook cycle started")
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <said>",
	Short: "Cancel the active cook cycle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, ctx, cancel, err := startClient(cfg)
		if err != nil {
			return err
		}
		defer cancel()
		defer client.Shutdown(ctx)

		if err := client.StopCooking(ctx, args[0]); err != nil {
			return err
		}
		fmt.Println("✓ Cook cycle cancelled")
		return nil
	},
}

var lightCmd = &cobra.Command{
	Use:   "light <said> <on|off>",
	Short: "Switch the cavity light",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		on := args[1] == "on"
		if !on && args[1] != "off" {
			return fmt.Errorf("expected 'on' or 'off', got %q", args[1])
		}

		client, ctx, cancel, err := startClient(cfg)
		if err != nil {
			return err
		}
		defer cancel()
		defer client.Shutdown(ctx)

		if err := client.SetCavityLight(ctx, args[0], on); err != nil {
			return err
		}
		fmt.Println("✓ Done")
		return nil
	},
}
