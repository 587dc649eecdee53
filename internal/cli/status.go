package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resultCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(statsCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show a task's current status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var task map[string]any
		if err := apiCall("GET", "/api/tasks/"+args[0], nil, &task); err != nil {
			return err
		}
		printJSON(task)
		return nil
	},
}

var resultCmd = &cobra.Command{
	Use:   "result <task-id>",
	Short: "Fetch the result of a finished task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result map[string]any
		if err := apiCall("GET", "/api/tasks/"+args[0]+"/result", nil, &result); err != nil {
			return err
		}
		printJSON(result)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a pending or running task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp map[string]any
		if err := apiCall("DELETE", "/api/tasks/"+args[0], nil, &resp); err != nil {
			return err
		}
		printJSON(resp)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show engine statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var stats map[string]any
		if err := apiCall("GET", "/api/stats", nil, &stats); err != nil {
			return err
		}
		printJSON(stats)
		return nil
	},
}
