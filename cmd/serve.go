package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scraper behind an HTTP API",
		Long: `Starts an HTTP server exposing /healthz, /metrics and the /v1/runs
endpoints. POST /v1/runs scrapes the configured targets file in the
background; GET /v1/runs/latest and /v1/runs/latest/report.csv return the
outcome of the last run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := newViper(root.configFile)
			if err != nil {
				return err
			}
			if err := bindFlags(v, cmd, map[string]string{"server.port": "port"}); err != nil {
				return err
			}
			cfg, logger, err := loadConfig(v)
			if err != nil {
				return err
			}
			defer syncLogger(logger)

			a, err := buildApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			defer a.Close()
			return a.Serve(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&port, "port", 8080, "HTTP listen port")
	return cmd
}
