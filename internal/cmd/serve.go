package cmd

import (
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MeKo-Tech/calloutscan/internal/meta"
	"github.com/MeKo-Tech/calloutscan/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the marker detection HTTP service",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "127.0.0.1:8080", "Listen address (host:port)")
	serveCmd.Flags().Int("max-concurrent", 2, "Max concurrent detection requests")
	serveCmd.Flags().StringSlice("allowed-origins", nil, "CORS allowed origins (empty allows all)")
	serveCmd.Flags().String("titleblock-service", "", "External title-block OCR service URL")
	serveCmd.Flags().String("schedule-service", "", "External schedule extraction service URL")
	serveCmd.Flags().Duration("download-timeout", 60*time.Second, "Timeout per tile or sheet download")
	serveCmd.Flags().Bool("validate-pdf", true, "Structurally validate sheet PDFs before metadata extraction")

	mustBindFlags(serveCmd, map[string]string{
		"serve.addr":               "addr",
		"serve.max_concurrent":     "max-concurrent",
		"serve.allowed_origins":    "allowed-origins",
		"serve.titleblock_service": "titleblock-service",
		"serve.schedule_service":   "schedule-service",
		"serve.download_timeout":   "download-timeout",
		"serve.validate_pdf":       "validate-pdf",
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	pipe, err := buildPipeline(nil)
	if err != nil {
		return err
	}

	metaClient := meta.NewClient(meta.ClientConfig{
		ServiceURL:  viper.GetString("serve.titleblock_service"),
		ValidatePDF: viper.GetBool("serve.validate_pdf"),
		Timeout:     viper.GetDuration("serve.download_timeout"),
		Logger:      logger,
	})

	addr := viper.GetString("serve.addr")
	srv := server.New(server.Config{
		Addr:               addr,
		MaxConcurrent:      viper.GetInt("serve.max_concurrent"),
		AllowedOrigins:     viper.GetStringSlice("serve.allowed_origins"),
		ScheduleServiceURL: viper.GetString("serve.schedule_service"),
		DownloadTimeout:    viper.GetDuration("serve.download_timeout"),
	}, pipe, metaClient, logger)

	// The heavy pieces are built; traffic may flow.
	srv.SetReady(true)

	logger.Info("detection service listening",
		"addr", addr,
		"model", viper.GetString("openrouter.model"),
		"tile_size", viper.GetInt("tile.size"),
		"stage2_concurrency", viper.GetInt("stage2.concurrency"),
	)

	httpSrv := &http.Server{Addr: addr, Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}
	return httpSrv.ListenAndServe()
}
