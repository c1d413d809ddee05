package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/canopy/catalog"
	"github.com/c360/canopy/config"
)

func newKeysCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage agent API keys",
	}

	cmd.AddCommand(newKeysAddCommand(opts))
	cmd.AddCommand(newKeysListCommand(opts))
	cmd.AddCommand(newKeysShowCommand(opts))
	cmd.AddCommand(newKeysDeleteCommand(opts))

	return cmd
}

// openCatalog loads the config and opens the catalog for a key command.
func openCatalog(opts *rootOptions) (*catalog.Catalog, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	return catalog.Open(cfg.Database.Path, config.NewLogger(cfg.Logging, os.Stderr))
}

func newKeysAddCommand(opts *rootOptions) *cobra.Command {
	var name, prefix string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a new agent API key",
		Long: `Create a new agent API key. The device prefix namespaces every
device the agent reports; readings from device "tent" under prefix "ac:"
are stored as "ac:tent".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cat, err := openCatalog(opts)
			if err != nil {
				return err
			}
			defer func() { _ = cat.Close() }()

			key, err := cat.CreateAPIKey(name, prefix)
			if err != nil {
				return err
			}

			cmd.Printf("created key %d for %q\n", key.ID, key.Name)
			cmd.Printf("  device prefix: %s\n", key.DevicePrefix)
			cmd.Printf("  api key:       %s\n", key.Key)
			cmd.Println("store the key now; list shows it redacted")
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "agent name")
	cmd.Flags().StringVar(&prefix, "prefix", "", "device prefix, e.g. \"ac:\"")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("prefix")

	return cmd
}

func newKeysListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List agent API keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cat, err := openCatalog(opts)
			if err != nil {
				return err
			}
			defer func() { _ = cat.Close() }()

			keys, err := cat.ListAPIKeys()
			if err != nil {
				return err
			}
			if len(keys) == 0 {
				cmd.Println("no api keys")
				return nil
			}

			cmd.Printf("%-5s %-20s %-12s %-14s %s\n", "ID", "NAME", "PREFIX", "KEY", "CREATED")
			for _, k := range keys {
				created := time.UnixMilli(k.CreatedAt).Format(time.RFC3339)
				cmd.Printf("%-5d %-20s %-12s %-14s %s\n", k.ID, k.Name, k.DevicePrefix, k.Key, created)
			}
			return nil
		},
	}
}

func newKeysShowCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one API key including its secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}

			cat, err := openCatalog(opts)
			if err != nil {
				return err
			}
			defer func() { _ = cat.Close() }()

			key, err := cat.GetAPIKey(id)
			if err != nil {
				return err
			}

			cmd.Printf("id:            %d\n", key.ID)
			cmd.Printf("name:          %s\n", key.Name)
			cmd.Printf("device prefix: %s\n", key.DevicePrefix)
			cmd.Printf("api key:       %s\n", key.Key)
			cmd.Printf("created:       %s\n", time.UnixMilli(key.CreatedAt).Format(time.RFC3339))
			return nil
		},
	}
}

func newKeysDeleteCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}

			cat, err := openCatalog(opts)
			if err != nil {
				return err
			}
			defer func() { _ = cat.Close() }()

			if err := cat.DeleteAPIKey(id); err != nil {
				return err
			}
			cmd.Printf("deleted key %d\n", id)
			return nil
		},
	}
}
