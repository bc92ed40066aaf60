package cmd

import (
	"encoding/json"
	"fmt"

	fiberClient "github.com/gofiber/fiber/v3/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/theapemachine/ctxsync/pkg/errors"
	"github.com/theapemachine/ctxsync/pkg/service"
	"github.com/theapemachine/ctxsync/pkg/ui"
)

var (
	statusJSONFlag bool

	statusCmd = &cobra.Command{
		Use:          "status",
		Short:        "Show health and metrics of a running service",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			baseURL := viper.GetString("client.baseURL")

			if urlFlag != "" {
				baseURL = urlFlag
			}

			conn := fiberClient.New().SetBaseURL(baseURL)

			var health service.HealthReport

			// /health answers 503 with a full report while unhealthy.
			if err := getJSON(conn, "/health", &health, true); err != nil {
				return err
			}

			var report service.MetricsReport

			if err := getJSON(conn, "/metrics", &report, false); err != nil {
				return err
			}

			if statusJSONFlag {
				return printJSON(map[string]any{"health": health, "metrics": report})
			}

			fmt.Print(ui.RenderStatus(health, report))

			return nil
		},
	}
)

func getJSON(conn *fiberClient.Client, path string, out any, allowUnavailable bool) error {
	resp, err := conn.Get(path)

	if err != nil {
		return errors.ErrConnectionDropped.Wrap(err).WithMessagef("GET %s", path)
	}

	status := resp.StatusCode()

	if status != 200 && !(allowUnavailable && status == 503) {
		return errors.FromStatus(status, nil)
	}

	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return errors.ErrInternal.Wrap(err).WithMessagef("decoding %s", path)
	}

	return nil
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVar(&urlFlag, "url", "", "service base URL (overrides client.baseURL)")
	statusCmd.Flags().BoolVar(&statusJSONFlag, "json", false, "print raw JSON instead of panels")
}
