package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/imagingdatacommons/idc-client-go/internal/client"
	"github.com/imagingdatacommons/idc-client-go/internal/config"
)

// newClient wires a client from config with flag overrides.
func newClient(ctx context.Context, cmd *cobra.Command) (*client.Client, error) {
	cfg := config.AppConfig

	if v, _ := cmd.Flags().GetString("bundled-data"); v != "" {
		cfg.BundledDataPath = v
	}
	if v, _ := cmd.Flags().GetString("cache-dir"); v != "" {
		cfg.CachePath = v
	}
	if v, _ := cmd.Flags().GetString("s5cmd-path"); v != "" {
		cfg.S5CmdPath = v
	}
	if cfg.BundledDataPath == "" {
		return nil, fmt.Errorf("no bundled catalog distribution configured; set bundled_data_path in the config file or pass --bundled-data")
	}

	return client.New(ctx, client.Options{
		BundledDataPath: cfg.BundledDataPath,
		CachePath:       cfg.CachePath,
		ToolPath:        cfg.S5CmdPath,
		AWSEndpointURL:  cfg.AWSEndpointURL,
		GCPEndpointURL:  cfg.GCPEndpointURL,
		Concurrency:     cfg.DownloadConcurrency,
	})
}
