package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pagepilot/pagepilot/internal/messaging"
	"github.com/pagepilot/pagepilot/internal/observability"
)

// newLinksCmd creates the `links` command: a snapshot poll of the share and
// download links currently visible on the agent's page.
func newLinksCmd() *cobra.Command {
	var (
		agentURL string
		wait     time.Duration
		interval time.Duration
	)

	linksCmd := &cobra.Command{
		Use:   "links",
		Short: "Query a running agent for the published share/download links",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := messaging.NewClient(agentURL, nil, observability.GetLogger())

			deadline := time.Now().Add(wait)
			for {
				snap, err := client.ExtractLinks(ctx)
				if err != nil {
					return fmt.Errorf("extract links failed: %w", err)
				}
				if !snap.Empty() || wait <= 0 || time.Now().After(deadline) {
					out, err := json.MarshalIndent(snap, "", "  ")
					if err != nil {
						return err
					}
					fmt.Println(string(out))
					if snap.Empty() && wait > 0 {
						return fmt.Errorf("no links appeared within %s", wait)
					}
					return nil
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(interval):
				}
			}
		},
	}

	linksCmd.Flags().StringVar(&agentURL, "agent", "http://127.0.0.1:8743", "Base URL of the running agent's control channel.")
	linksCmd.Flags().DurationVar(&wait, "wait", 0, "Keep polling up to this long for links to appear. 0 queries once.")
	linksCmd.Flags().DurationVar(&interval, "interval", time.Second, "Polling interval used with --wait.")

	return linksCmd
}

func init() {
	rootCmd.AddCommand(newLinksCmd())
}
