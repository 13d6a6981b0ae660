package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "bizsync",
	Short: "Peer-to-peer sync engine for business records",
	Long: `bizsync discovers nearby devices, pairs with them by QR code or PIN and
keeps invoices, customers, products and payments in sync without a server.

Run without a subcommand to start the engine and its local control API.`,
	RunE:          runServe,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd, devicesCmd, hashPasswordCmd)
}
