package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/crewhq/crew/internal/config"
	"github.com/crewhq/crew/internal/gateway"
	"github.com/crewhq/crew/internal/logging"
	"github.com/crewhq/crew/internal/state"
)

// gatewayClient builds a client from config. Payload commands suppress
// logging so their output stays machine-readable.
func gatewayClient() (*gateway.Client, error) {
	path := cfgFile
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, initFailure(err)
	}
	logging.Suppress()
	return gateway.NewClient(cfg.Gateway), nil
}

func newStatusCmd() *cobra.Command {
	var jsonOutput bool
	var follow bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pool and planner state",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := gatewayClient()
			if err != nil {
				return err
			}

			if follow {
				return client.Follow(cmd.Context(), func(event gateway.Event) {
					data, err := json.Marshal(event)
					if err != nil {
						return
					}
					fmt.Println(string(data))
				})
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			status, err := client.Status(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				data, err := json.MarshalIndent(status, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}

			printStatus(status)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().BoolVar(&follow, "follow", false, "stream events as JSON lines until interrupted")
	return cmd
}

func printStatus(status *gateway.StatusPayload) {
	fmt.Printf("crew v%s\n", status.Version)
	fmt.Println("───────────────────────────────────────")

	running := "stopped"
	if status.Planner.Running {
		running = "running"
	}
	fmt.Printf("Planner: %s\n", running)
	if !status.Planner.LastSyncTime.IsZero() {
		fmt.Printf("Last sync: %s\n", status.Planner.LastSyncTime.Format(time.RFC3339))
	}
	fmt.Printf("Tracked tasks: %d\n", status.Planner.TrackedTasks)
	fmt.Println()

	fmt.Printf("Workers (%d/%d):\n", len(status.Pool.Workers), status.Pool.Capacity)
	for _, w := range status.Pool.Workers {
		line := fmt.Sprintf("  %s  %-8s %s", w.ID, w.Status, w.DeveloperType)
		if w.CurrentTask != nil {
			line += fmt.Sprintf("  task=%s action=%s", w.CurrentTask.TaskID, w.CurrentTask.Action)
		}
		if w.Status == state.WorkerStopped && w.LastError != "" {
			line += fmt.Sprintf("  error=%q", w.LastError)
		}
		fmt.Println(line)
	}

	if len(status.Planner.Errors) > 0 {
		fmt.Println()
		fmt.Printf("Recent errors (%d):\n", len(status.Planner.Errors))
		for _, e := range status.Planner.Errors {
			fmt.Printf("  [%s] %s: %s\n", e.Time.Format("15:04:05"), e.Stage, e.Message)
		}
	}
}

func newForceSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force-sync",
		Short: "Run one reconciliation pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := gatewayClient()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			if err := client.ForceSync(ctx); err != nil {
				return err
			}
			fmt.Println("Sync complete")
			return nil
		},
	}
}

func newShutdownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Stop the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := gatewayClient()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			if err := client.Shutdown(ctx); err != nil {
				return err
			}
			fmt.Println("Shutdown requested")
			return nil
		},
	}
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := cfgFile
			if path == "" {
				path = config.DefaultConfigPath()
			}

			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config already exists at %s", path)
			}

			if err := config.Save(config.DefaultConfig(), path); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			fmt.Println("Set board.board_id and the provider tokens, then run: crew run")
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show crew version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("crew v%s\n", version)
		},
	}
}
