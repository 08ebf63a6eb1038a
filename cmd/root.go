package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/ledgerbridge/cmd/accounts"
	"github.com/ValentinKolb/ledgerbridge/cmd/bench"
	"github.com/ValentinKolb/ledgerbridge/cmd/gateway"
	"github.com/spf13/cobra"
)

const (
	Version = "0.1.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "ledgerbridge",
		Short: "asynchronous client for callback driven ledger engines",
		Long: fmt.Sprintf(`ledgerbridge (v%s)

A client for accounting ledger engines that complete requests through
native callbacks. Requests are submitted without blocking and their
replies are delivered asynchronously, with bounded concurrency.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of ledgerbridge",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ledgerbridge v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(accounts.AccountCommands)
	RootCmd.AddCommand(bench.BenchCmd)
	RootCmd.AddCommand(gateway.GatewayCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
