package cmd

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/pagepilot/pagepilot/api/schemas"
	"github.com/pagepilot/pagepilot/internal/messaging"
	"github.com/pagepilot/pagepilot/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// newPrepareCmd creates the `prepare` command: the initiator side of the
// control channel. It registers a task with a running agent.
func newPrepareCmd() *cobra.Command {
	var (
		agentURL    string
		taskID      string
		pubID       string
		settingsRaw string
		apiBase     string
	)

	prepareCmd := &cobra.Command{
		Use:   "prepare",
		Short: "Register a task with a running agent and trigger processing",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" {
				return fmt.Errorf("--task is required")
			}

			req := schemas.PrepareRequest{
				TaskID:        taskID,
				PublicationID: pubID,
				APIBaseURL:    apiBase,
			}
			if settingsRaw != "" {
				if err := json.Unmarshal([]byte(settingsRaw), &req.Settings); err != nil {
					return fmt.Errorf("invalid --settings JSON: %w", err)
				}
			}

			client := messaging.NewClient(agentURL, nil, observability.GetLogger())
			if err := client.Prepare(cmd.Context(), req); err != nil {
				return fmt.Errorf("prepare failed: %w", err)
			}

			fmt.Printf("Task %s registered with agent at %s\n", taskID, agentURL)
			return nil
		},
	}

	prepareCmd.Flags().StringVar(&agentURL, "agent", "http://127.0.0.1:8743", "Base URL of the running agent's control channel.")
	prepareCmd.Flags().StringVarP(&taskID, "task", "t", "", "Task identifier to prepare. (Required)")
	prepareCmd.Flags().StringVarP(&pubID, "publication", "p", "", "Publication identifier, when the task targets one.")
	prepareCmd.Flags().StringVar(&settingsRaw, "settings", "", "Generation settings as a JSON object.")
	prepareCmd.Flags().StringVar(&apiBase, "api-base", "", "Backend base URL override for this task.")

	return prepareCmd
}

func init() {
	rootCmd.AddCommand(newPrepareCmd())
}
