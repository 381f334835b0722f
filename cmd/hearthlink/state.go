package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hearthlink/hearthlink/pkg/appliance"
	"github.com/hearthlink/hearthlink/pkg/config"
	"github.com/hearthlink/hearthlink/pkg/metrics"
)

var metricsAddr string

func init() {
	watchCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "",
		"serve Prometheus metrics on this address while watching (e.g. :9465)")
}

var stateCmd = &cobra.Command{
	Use:   "state <said>",
	Short: "Print the current state of one appliance",
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

		said := args[0]
		if err := client.RefreshState(ctx, said); err != nil {
			return err
		}
		doc, err := client.GetState(said)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <said>",
	Short: "Stream state changes for one appliance until interrupted",
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

		sub, err := client.Subscribe(args[0])
		if err != nil {
			return err
		}
		defer sub.Close()

		if metricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			srv := &http.Server{Addr: metricsAddr, Handler: mux}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
				}
			}()
			defer srv.Close()
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		for {
			select {
			case change, ok := <-sub.C:
				if !ok {
					return nil
				}
				out, err := json.Marshal(change.State)
				if err != nil {
					continue
				}
				fmt.Printf("%s %s\n", time.Now().Format(time.RFC3339), out)
			case <-sigCh:
				return nil
			}
		}
	},
}

// startClient builds and starts the runtime with a generous deadline for
// the initial connect.
func startClient(cfg *config.Config) (*appliance.Client, context.Context, context.CancelFunc, error) {
	client, err := appliance.New(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())

	if !client.HasCredentials() {
		cancel()
		return nil, nil, nil, fmt.Errorf("not logged in; run 'hearthlink login' first")
	}

	startCtx, startCancel := context.WithTimeout(ctx, time.Minute)
	defer startCancel()
	if err := client.Start(startCtx); err != nil {
		client.Shutdown(ctx)
		cancel()
		return nil, nil, nil, err
	}
	return client, ctx, cancel, nil
}
