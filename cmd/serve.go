package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/doorbell/internal/config"
	"github.com/kozaktomas/doorbell/internal/mqttrpc"
	"github.com/kozaktomas/doorbell/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the MQTT responder",
	Long: `Start the doorbell HTTP API.
When MQTT_BROKER is set, recognition requests published to
<prefix>/rpc/recognize/request are answered as well.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides WEB_PORT)")
	serveCmd.Flags().String("host", "", "Host to bind to (overrides WEB_HOST)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if port := mustGetInt(cmd, "port"); port > 0 {
		cfg.Web.Port = port
	}
	if host := mustGetString(cmd, "host"); host != "" {
		cfg.Web.Host = host
	}

	svc, logger, err := openService(cfg, serviceOptions{detector: true})
	if err != nil {
		return err
	}
	stats := svc.Stats()
	logger.Info("catalog loaded", "persons", stats.Persons, "vectors", stats.Vectors, "dim", stats.Dim, "unknowns", stats.Unknowns)

	var rpc *mqttrpc.Client
	if cfg.MQTT.Broker != "" {
		handler := mqttrpc.NewHandler(svc, mqttrpc.Topics{Prefix: cfg.MQTT.TopicPrefix}, logger)
		rpc = mqttrpc.NewClient(cfg.MQTT, handler)
		if err := rpc.Connect(); err != nil {
			return err
		}
	}

	server := web.NewServer(cfg, svc, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("shutting down")
		if rpc != nil {
			rpc.Close()
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("error during shutdown", "error", err)
		}
	}()

	fmt.Printf("Starting doorbell on http://%s:%d\n", cfg.Web.Host, cfg.Web.Port)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	if err := svc.Save(); err != nil {
		return fmt.Errorf("saving catalog: %w", err)
	}
	return nil
}
