package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jresende/nuxeo-drive/internal/engine"
	"github.com/jresende/nuxeo-drive/internal/workspace"
)

func init() {
	filterCmd := newFilterCmd()
	filterCmd.AddCommand(newFilterCmdAdd())
	filterCmd.AddCommand(newFilterCmdRemove())
	filterCmd.AddCommand(newFilterCmdList())
	rootCmd.AddCommand(filterCmd)
}

func newFilterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "filter",
		Short: "Manage excluded sync paths",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return bindConfig(cmd)
		},
	}
	cmd.PersistentFlags().StringP("account", "a", "", "Account to operate on (default: first configured)")
	return cmd
}

// openFilters opens the account's filter table directly on the state store.
// The daemon must not be running against the same root.
func openFilters(cmd *cobra.Command) (*engine.FilterTable, func(), error) {
	cfg, err := resolveConfig()
	if err != nil {
		return nil, nil, err
	}
	accountName, _ := cmd.Flags().GetString("account")
	account, err := pickAccount(cfg, accountName)
	if err != nil {
		return nil, nil, err
	}

	ws, err := workspace.New(account.LocalFolder)
	if err != nil {
		return nil, nil, err
	}
	if err := ws.Lock(); err != nil {
		return nil, nil, fmt.Errorf("sync root %s: %w", ws.Root, err)
	}

	store := engine.NewStateStore(ws.DatabasePath)
	if err := store.Open(); err != nil {
		ws.Unlock()
		return nil, nil, err
	}
	filters, err := engine.NewFilterTable(store)
	if err != nil {
		store.Close()
		ws.Unlock()
		return nil, nil, err
	}
	cleanup := func() {
		store.Close()
		ws.Unlock()
	}
	return filters, cleanup, nil
}

func newFilterCmdAdd() *cobra.Command {
	return &cobra.Command{
		Use:   "add [PATH]",
		Short: "Exclude a tree path from sync",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			filters, cleanup, err := openFilters(cmd)
			if err != nil {
				fmt.Printf("%s: %s\n", red("ERROR"), err)
				os.Exit(1)
			}
			defer cleanup()

			if err := filters.Add(args[0]); err != nil {
				fmt.Printf("%s: %s\n", red("ERROR"), err)
				os.Exit(1)
			}
			fmt.Printf("Filtered '%s'\n", green(args[0]))
		},
	}
}

func newFilterCmdRemove() *cobra.Command {
	return &cobra.Command{
		Use:     "remove [PATH]",
		Aliases: []string{"rm"},
		Short:   "Re-include a filtered tree path",
		Args:    cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			filters, cleanup, err := openFilters(cmd)
			if err != nil {
				fmt.Printf("%s: %s\n", red("ERROR"), err)
				os.Exit(1)
			}
			defer cleanup()

			if err := filters.Remove(args[0]); err != nil {
				fmt.Printf("%s: %s\n", red("ERROR"), err)
				os.Exit(1)
			}
			fmt.Printf("Unfiltered '%s'\n", green(args[0]))
		},
	}
}

func newFilterCmdList() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List filtered tree paths",
		Run: func(cmd *cobra.Command, args []string) {
			filters, cleanup, err := openFilters(cmd)
			if err != nil {
				fmt.Printf("%s: %s\n", red("ERROR"), err)
				os.Exit(1)
			}
			defer cleanup()

			entries := filters.List()
			if len(entries) == 0 {
				fmt.Println("No filters configured")
				return
			}
			for _, entry := range entries {
				fmt.Println(cyan(entry))
			}
		},
	}
}
