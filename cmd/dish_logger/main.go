// Command dish_logger copies the status stream of a running dish server into
// InfluxDB.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/w1xm/dish_interface/config"
	"github.com/w1xm/dish_interface/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v := config.New()
	var configPath string
	cmd := &cobra.Command{
		Use:          "dish_logger",
		Short:        "Record dish status into InfluxDB",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg.Influx, logger.New(cfg.Log.Level))
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "YAML configuration file")
	cmd.Flags().String("status-url", "", "websocket status stream of the dish server")
	v.BindPFlag("influx.status_url", cmd.Flags().Lookup("status-url"))
	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.InfluxConfig, log *zap.SugaredLogger) error {
	client := influxdb2.NewClient(cfg.Server, cfg.Token)
	defer client.Close()
	// Get non-blocking write client
	writeApi := client.WriteApi(cfg.Org, cfg.Bucket)
	defer writeApi.Close()
	go func() {
		for err := range writeApi.Errors() {
			log.Warnw("influx write", "err", err)
		}
	}()
	for {
		if err := logData(ctx, cfg.StatusURL, writeApi); err != nil {
			log.Warnw("status stream", "url", cfg.StatusURL, "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(1 * time.Second):
		}
	}
}

func flattenStatus(fields map[string]interface{}, status interface{}, prefix string) {
	switch status := status.(type) {
	case map[string]interface{}:
		for k, v := range status {
			flattenStatus(fields, v, prefix+"."+k)
		}
	case []interface{}:
		for k, v := range status {
			flattenStatus(fields, v, fmt.Sprintf("%s.%d", prefix, k))
		}
	default:
		fields[prefix[1:]] = status
	}
}

// statusFields returns the flattened fields of a status message. Command
// results sent to other clients are skipped.
func statusFields(msg map[string]interface{}) (map[string]interface{}, bool) {
	status, ok := msg["status"].(map[string]interface{})
	if !ok {
		return nil, false
	}
	fields := make(map[string]interface{})
	flattenStatus(fields, status, "")
	return fields, len(fields) > 0
}

func logData(ctx context.Context, url string, writeApi api.WriteApi) error {
	defer writeApi.Flush()
	var dialer websocket.Dialer
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	for {
		var msg map[string]interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fields, ok := statusFields(msg)
		if !ok {
			continue
		}
		p := influxdb2.NewPoint("dish.status",
			nil,
			fields,
			time.Now(),
		)
		// write asynchronously
		writeApi.WritePoint(p)
	}
}
