package accounts

import (
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/ledgerbridge/cmd/util"
	"github.com/ValentinKolb/ledgerbridge/lib/engine"
	"github.com/ValentinKolb/ledgerbridge/lib/ledger"
	"github.com/ValentinKolb/ledgerbridge/lib/records"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	client *ledger.Client

	// AccountCommands represents the accounts command group
	AccountCommands = &cobra.Command{
		Use:                "accounts",
		Short:              "Create and look up ledger accounts",
		PersistentPreRunE:  setupClient,
		PersistentPostRunE: closeClient,
	}

	createCmd = &cobra.Command{
		Use:   "create",
		Short: "Create accounts with random ids",
		Args:  cobra.NoArgs,
		RunE:  runCreate,
	}

	lookupCmd = &cobra.Command{
		Use:   "lookup <id>...",
		Short: "Look up accounts by id",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runLookup,
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)

	util.SetupClientFlags(AccountCommands)

	key := "timeout"
	AccountCommands.PersistentFlags().Duration(key, 10*time.Second, util.WrapString("How long to wait for the reply"))

	key = "count"
	createCmd.Flags().Int(key, 1, util.WrapString("Number of accounts to create in one batch"))
	key = "ledger"
	createCmd.Flags().Uint32(key, 1, util.WrapString("Ledger of the new accounts"))
	key = "code"
	createCmd.Flags().Uint16(key, 1, util.WrapString("Account code of the new accounts"))

	AccountCommands.AddCommand(createCmd)
	AccountCommands.AddCommand(lookupCmd)
}

// setupClient opens the ledger client for all subcommands
func setupClient(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	var err error
	client, err = util.OpenClient()
	return err
}

func closeClient(_ *cobra.Command, _ []string) error {
	if client == nil {
		return nil
	}
	return client.Close()
}

func runCreate(_ *cobra.Command, _ []string) error {
	count := viper.GetInt("count")
	if count < 1 {
		return fmt.Errorf("count must be positive")
	}

	accounts := make([]records.Account, count)
	for i := range accounts {
		accounts[i] = records.Account{
			ID:     util.NewID(),
			Ledger: viper.GetUint32("ledger"),
			Code:   uint16(viper.GetUint32("code")),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("timeout"))
	defer cancel()

	reply, err := util.Do(ctx, client, engine.OperationCreateAccounts, records.EncodeAccounts(accounts))
	if err != nil {
		return err
	}
	results, err := records.DecodeCreateResults(reply)
	if err != nil {
		return err
	}

	// only failed records are reported
	failed := make(map[uint32]uint32, len(results))
	for _, r := range results {
		failed[r.Index] = r.Result
	}
	for i, a := range accounts {
		if result, ok := failed[uint32(i)]; ok {
			fmt.Printf("%s\tfailed (result %d)\n", a.ID, result)
		} else {
			fmt.Printf("%s\tcreated\n", a.ID)
		}
	}
	return nil
}

func runLookup(_ *cobra.Command, args []string) error {
	ids := make([]engine.Uint128, 0, len(args))
	for _, arg := range args {
		id, err := engine.ParseUint128(arg)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("timeout"))
	defer cancel()

	reply, err := util.Do(ctx, client, engine.OperationLookupAccounts, records.EncodeIDs(ids))
	if err != nil {
		return err
	}
	accounts, err := records.DecodeAccounts(reply)
	if err != nil {
		return err
	}

	if len(accounts) == 0 {
		fmt.Println("no accounts found")
		return nil
	}
	for _, a := range accounts {
		fmt.Printf("%s\tledger=%d code=%d debits=%s/%s credits=%s/%s\n",
			a.ID, a.Ledger, a.Code,
			a.DebitsPending, a.DebitsPosted, a.CreditsPending, a.CreditsPosted)
	}
	return nil
}
