package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	scheduleAddCmd.Flags().StringVar(&scheduleCron, "cron", "", "Cron expression, e.g. \"*/5 * * * *\" (required)")
	scheduleAddCmd.Flags().StringVar(&submitService, "service", "", "Service the task belongs to (required)")
	scheduleAddCmd.Flags().StringVar(&submitType, "type", "custom", "Task type")
	scheduleAddCmd.Flags().Float64Var(&submitPayment, "payment", 0, "Escrowed payment amount per firing (required)")

	scheduleCmd.AddCommand(scheduleAddCmd)
	scheduleCmd.AddCommand(scheduleListCmd)
	scheduleCmd.AddCommand(scheduleRemoveCmd)
	rootCmd.AddCommand(scheduleCmd)
}

var scheduleCron string

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage recurring task schedules",
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add <name> <payload>",
	Short: "Add a recurring schedule",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := map[string]any{
			"name":      args[0],
			"cron_expr": scheduleCron,
			"template": map[string]any{
				"service_name":   submitService,
				"type":           submitType,
				"payload":        args[1],
				"payment_amount": submitPayment,
			},
		}
		var resp map[string]any
		if err := apiCall("POST", "/api/schedules", req, &resp); err != nil {
			return err
		}
		printJSON(resp)
		return nil
	},
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recurring schedules",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp map[string]any
		if err := apiCall("GET", "/api/schedules", nil, &resp); err != nil {
			return err
		}
		printJSON(resp)
		return nil
	},
}

var scheduleRemoveCmd = &cobra.Command{
	Use:   "remove <schedule-id>",
	Short: "Remove a recurring schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiCall("DELETE", "/api/schedules/"+args[0], nil, nil); err != nil {
			return err
		}
		fmt.Println("removed", args[0])
		return nil
	},
}
