package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/imagingdatacommons/idc-client-go/internal/log"
)

func newIndicesCmd() *cobra.Command {
	indicesCmd := &cobra.Command{
		Use:   "indices",
		Short: "Inspect and manage catalog tables",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List every known catalog table and its installation state",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			tables := c.DescribeTables()
			names := make([]string, 0, len(tables))
			for name := range tables {
				names = append(names, name)
			}
			sort.Strings(names)

			fmt.Printf("Catalog release %s\n\n", c.Version())
			for _, name := range names {
				d := tables[name]
				state := "remote"
				switch {
				case d.Bundled:
					state = "bundled"
				case d.Installed:
					state = "installed"
				}
				fmt.Printf("%-28s %-10s %s\n", d.Name, state, d.Description)
			}
			return nil
		},
	}

	fetchCmd := &cobra.Command{
		Use:   "fetch [table...]",
		Short: "Materialize one or more tables, downloading them if needed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			failed := c.Registry().EnsureLoadedAll(cmd.Context(), args...)
			for _, name := range args {
				if err, ok := failed[name]; ok {
					fmt.Printf("%-28s FAILED: %v\n", name, err)
				} else {
					fmt.Printf("%-28s ok\n", name)
				}
			}
			if len(failed) > 0 {
				return fmt.Errorf("%d of %d tables failed to materialize", len(failed), len(args))
			}
			return nil
		},
	}

	discoverCmd := &cobra.Command{
		Use:   "discover",
		Short: "Refresh the table listing from the release server",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			endpoint, _ := cmd.Flags().GetString("asset-endpoint")
			if endpoint == "" {
				return fmt.Errorf("--asset-endpoint is required")
			}
			if err := c.DiscoverRemoteTables(cmd.Context(), endpoint); err != nil {
				return err
			}
			log.Logger.Infof("Catalog now lists %d tables", len(c.DescribeTables()))
			return nil
		},
	}
	discoverCmd.Flags().String("asset-endpoint", "", "Release server asset endpoint URL")

	indicesCmd.AddCommand(listCmd, fetchCmd, discoverCmd)
	return indicesCmd
}
