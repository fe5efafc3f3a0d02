package cli

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/hakim/helmsman/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check whether the helmsman daemon is reachable",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return err
	}
	if !cfg.Gateway.Enabled {
		fmt.Println("gateway disabled; nothing to check")
		return nil
	}

	client := &http.Client{Timeout: 3 * time.Second}
	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", cfg.Gateway.Port)
	resp, err := client.Get(url)
	if err != nil {
		fmt.Printf("helmsman is not running (%v)\n", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		fmt.Printf("helmsman is running on port %d\n", cfg.Gateway.Port)
	} else {
		fmt.Printf("helmsman responded with status %d\n", resp.StatusCode)
	}
	return nil
}
