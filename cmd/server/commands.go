package main

import (
	"github.com/spf13/cobra"
)

var (
	configPath   string
	addrFlag     string
	dbFlag       string
	roomsLimit   int
	historyLimit int

	rootCmd = &cobra.Command{
		Use:          "coderoom",
		Short:        "Shared code rooms with live sync and conflict arbitration",
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	roomsCmd = &cobra.Command{
		Use:   "rooms",
		Short: "List persisted rooms",
		Args:  cobra.NoArgs,
		RunE:  runRooms,
	}

	historyCmd = &cobra.Command{
		Use:   "history [room]",
		Short: "Print the recorded change history of a room",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistory,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&dbFlag, "db", "", "SQLite database path (overrides config)")

	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&addrFlag, "addr", "", "Listen address (overrides config)")

	rootCmd.AddCommand(roomsCmd)
	roomsCmd.Flags().IntVar(&roomsLimit, "limit", 50, "Maximum rooms to list")

	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum changes to print")
}
