package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/netwatch/cdpcrawl/pkg/cli"
	"github.com/netwatch/cdpcrawl/pkg/discovery"
	"github.com/netwatch/cdpcrawl/pkg/store"
)

func newInventoryCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "inventory",
		Short: "List every device a crawl has discovered so far",
		Long: `inventory reads the persistent Inventory Store and prints every
discovered device as a table, without running a crawl. Useful for checking
progress while a long crawl is still in flight in another process.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := discovery.LoadConfig(configPath)
			if err != nil {
				return err
			}

			inventory, err := store.Open(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("opening inventory store: %w", err)
			}
			defer inventory.Close()

			devices, err := inventory.ListDevices()
			if err != nil {
				return fmt.Errorf("listing devices: %w", err)
			}

			t := cli.NewTable("HOSTNAME", "IP ADDRESS", "DEVICE TYPE", "PLATFORM", "SERIAL")
			for _, d := range devices {
				t.Row(d.Hostname, d.IPAddress, colorDeviceType(d.DeviceType), d.Platform, d.SerialNumber)
			}
			t.Flush()

			fmt.Printf("\n%d device(s)\n", len(devices))
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "./config.yaml", "path to the YAML configuration file")
	return cmd
}

func colorDeviceType(deviceType string) string {
	if discovery.IsInfrastructure(deviceType) {
		return cli.Green(deviceType)
	}
	return cli.Dim(deviceType)
}
