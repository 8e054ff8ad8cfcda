package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/user/roborock-go/internal/devicemanager"
	"github.com/user/roborock-go/pkg/cache"
	"github.com/user/roborock-go/pkg/rrlog"
	"github.com/user/roborock-go/pkg/webapi"
	"github.com/user/roborock-go/roborock"
)

// buildCache constructs the cache backend named by cfg.Cache.Type
// ("file" persists to cfg.Cache.Path with cfg.Cache.Codec; "none" keeps
// nothing; anything else, including the zero value, falls back to an
// in-memory cache).
func buildCache() (cache.Cache, error) {
	if cfg.Cache.Type == "none" {
		return cache.NoCache{}, nil
	}
	if cfg.Cache.Type != "file" {
		return cache.NewInMemoryCache(), nil
	}
	var codec cache.Codec
	if cfg.Cache.Codec == "json" {
		codec = cache.JSONCodec{}
	} else {
		codec = cache.GobCodec{}
	}
	return cache.NewFileCache(cfg.Cache.Path, codec)
}

// maybeServeMetrics starts the Prometheus scrape endpoint in the
// background when cfg.Metrics.Enabled, per cfg.Metrics.Listen.
func maybeServeMetrics() {
	if !cfg.Metrics.Enabled {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintln(os.Stderr, "roborockctl: metrics server:", err)
		}
	}()
}

func buildManager(ctx context.Context) (*devicemanager.Manager, error) {
	params := roborock.UserParams{
		Username: cfg.Account.Username,
		Password: cfg.Account.Password,
		BaseURL:  cfg.Account.BaseURL,
	}

	c, err := buildCache()
	if err != nil {
		return nil, fmt.Errorf("roborockctl: build cache: %w", err)
	}
	maybeServeMetrics()

	api := webapi.New(params.BaseURL)
	return devicemanager.New(ctx, params, api,
		devicemanager.WithCache(c),
		devicemanager.WithLogger(rrlog.NewWithLevel(cfg.Logging.Level)),
		devicemanager.WithMQTTTuning(cfg.MQTT.QoS, cfg.MQTT.TLSInsecureSkipVerify),
		devicemanager.WithLocalTuning(cfg.Local.HandshakeTimeout, cfg.Local.SendQueueDepth),
	)
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List devices on the account",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		mgr, err := buildManager(ctx)
		if err != nil {
			return err
		}
		defer mgr.Close()

		for _, d := range mgr.GetDevices() {
			fmt.Printf("%-16s %-24s %-8s connected=%v\n", d.DUID, d.Name, d.Version, d.IsConnected())
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [duid]",
	Short: "Print a device's current status trait",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		mgr, err := buildManager(ctx)
		if err != nil {
			return err
		}
		defer mgr.Close()
		if err := mgr.Start(ctx); err != nil {
			return err
		}

		d, ok := mgr.GetDevice(args[0])
		if !ok {
			return fmt.Errorf("no such device: %s", args[0])
		}

		var decoded map[string]any
		if err := d.SendCommand(ctx, "get_status", nil, &decoded); err != nil {
			return err
		}
		fmt.Printf("%+v\n", decoded)
		return nil
	},
}

var diagnosticsCmd = &cobra.Command{
	Use:   "diagnostics",
	Short: "Dump diagnostic counters for the manager and its subsystems",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		mgr, err := buildManager(ctx)
		if err != nil {
			return err
		}
		defer mgr.Close()
		fmt.Printf("%+v\n", mgr.DiagnosticData())
		return nil
	},
}
