package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/hearthlink/hearthlink/pkg/appliance"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate with the appliance cloud and store the refresh credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		reader := bufio.NewReader(os.Stdin)
		fmt.Print("Username: ")
		username, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		username = strings.TrimSpace(username)

		fmt.Print("Password: ")
		password, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return err
		}

		client, err := appliance.New(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		defer client.Shutdown(ctx)

		if err := client.Login(ctx, username, string(password)); err != nil {
			return err
		}
		fmt.Println("✓ Logged in; refresh credential stored")
		return nil
	},
}
