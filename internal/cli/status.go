package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/caravel/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running caravel server",
	Long:  `Query the health endpoint of a running caravel server and print the result.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type healthResponse struct {
	Status     string        `json:"status"`
	ErrorRate  float64       `json:"error_rate"`
	AvgLatency time.Duration `json:"avg_latency"`
	Breaches   []string      `json:"breaches,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/v1/health", cfg.Server.Port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Caravel server is not running on port %d\n", cfg.Server.Port)
		return nil
	}
	defer resp.Body.Close()

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("failed to decode health response: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Status:      %s\n", health.Status)
	fmt.Fprintf(out, "Error rate:  %.1f%%\n", health.ErrorRate*100)
	fmt.Fprintf(out, "Avg latency: %s\n", health.AvgLatency)
	for _, b := range health.Breaches {
		fmt.Fprintf(out, "Breach:      %s\n", b)
	}

	return nil
}
