package cli

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"
)

// scanCmd 供系统 crontab / k8s CronJob 直接调用，不经过 HTTP
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one change automation scan and print the result as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		a, err := newApp(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.runner.RunOnce(ctx, "cli")
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	rootCmd.AddCommand(scanCmd)
}
