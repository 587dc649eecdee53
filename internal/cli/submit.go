package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	submitCmd.Flags().StringVar(&submitService, "service", "", "Service the task belongs to (required)")
	submitCmd.Flags().StringVar(&submitType, "type", "custom", "Task type")
	submitCmd.Flags().StringVar(&submitPayloadFile, "payload-file", "", "Read the payload from a file instead of the argument")
	submitCmd.Flags().StringVar(&submitInput, "input", "", "Input data as a JSON object")
	submitCmd.Flags().IntVar(&submitPriority, "priority", 3, "Priority 1 (lowest) to 5 (highest)")
	submitCmd.Flags().Float64Var(&submitPayment, "payment", 0, "Escrowed payment amount (required)")
	submitCmd.Flags().IntVar(&submitCPU, "cpu", 1, "CPU cores required")
	submitCmd.Flags().IntVar(&submitMemory, "memory", 512, "Memory in MB required")
	submitCmd.Flags().IntVar(&submitTimeout, "timeout", 300, "Execution timeout in seconds")
	submitCmd.Flags().IntVar(&submitRetries, "max-retries", 3, "Maximum execution attempts")
	rootCmd.AddCommand(submitCmd)
}

var (
	submitService     string
	submitType        string
	submitPayloadFile string
	submitInput       string
	submitPriority    int
	submitPayment     float64
	submitCPU         int
	submitMemory      int
	submitTimeout     int
	submitRetries     int
)

var submitCmd = &cobra.Command{
	Use:   "submit [payload]",
	Short: "Submit a task for execution",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSubmit,
}

func runSubmit(cmd *cobra.Command, args []string) error {
	payload := ""
	if len(args) == 1 {
		payload = args[0]
	}
	if submitPayloadFile != "" {
		raw, err := os.ReadFile(submitPayloadFile)
		if err != nil {
			return fmt.Errorf("read payload file: %w", err)
		}
		payload = string(raw)
	}
	if payload == "" {
		return fmt.Errorf("a payload argument or --payload-file is required")
	}

	req := map[string]any{
		"service_name":   submitService,
		"type":           submitType,
		"payload":        payload,
		"priority":       submitPriority,
		"payment_amount": submitPayment,
		"max_retries":    submitRetries,
		"resources": map[string]int{
			"cpu_cores":       submitCPU,
			"memory_mb":       submitMemory,
			"timeout_seconds": submitTimeout,
		},
	}
	if submitInput != "" {
		var input map[string]any
		if err := json.Unmarshal([]byte(submitInput), &input); err != nil {
			return fmt.Errorf("--input must be a JSON object: %w", err)
		}
		req["input_data"] = input
	}

	var resp struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}
	if err := apiCall("POST", "/api/tasks", req, &resp); err != nil {
		return err
	}
	fmt.Printf("submitted %s (%s)\n", resp.TaskID, resp.Status)
	return nil
}
