package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/leadflow/internal/config"
	"github.com/nextlevelbuilder/leadflow/internal/store"
)

// accountsCmd manages connected accounts from the command line. The
// production linking flow writes the same tables; this exists for
// seeding, inspection, and emergency fixes.
func accountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage connected pages and Instagram accounts",
	}
	cmd.AddCommand(accountsListCmd())
	cmd.AddCommand(accountsAddCmd())
	cmd.AddCommand(accountsConfigureCmd())
	return cmd
}

func withStores(fn func(ctx context.Context, stores *store.Stores) error) error {
	setupLogging()
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	stores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer stores.Close()
	return fn(context.Background(), stores)
}

func accountsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List connected accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(func(ctx context.Context, stores *store.Stores) error {
				accounts, err := stores.Accounts.ListAccounts(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tKIND\tNAME\tSTATUS\tLINKED")
				for _, a := range accounts {
					linked, _ := json.Marshal(a.LinkedIDs)
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.ID, a.Kind, a.Name, a.Status, linked)
				}
				return w.Flush()
			})
		},
	}
}

func accountsAddCmd() *cobra.Command {
	var (
		kind   string
		name   string
		token  string
		status string
	)
	cmd := &cobra.Command{
		Use:   "add <external-id>",
		Short: "Add or update a connected account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind != string(store.KindPage) && kind != string(store.KindInstagramBusiness) {
				return fmt.Errorf("kind must be %q or %q", store.KindPage, store.KindInstagramBusiness)
			}
			return withStores(func(ctx context.Context, stores *store.Stores) error {
				return stores.Accounts.UpsertAccount(ctx, &store.Account{
					ID:          args[0],
					Kind:        store.AccountKind(kind),
					Name:        name,
					AccessToken: token,
					Status:      store.AccountStatus(status),
				})
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(store.KindPage), "account kind: page or instagram-business")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&token, "token", "", "page/IG access token")
	cmd.Flags().StringVar(&status, "status", string(store.StatusActive), "account status")
	return cmd
}

func accountsConfigureCmd() *cobra.Command {
	var (
		trigger string
		first   string
		end     string
		stop    string
		maxMsgs int
	)
	cmd := &cobra.Command{
		Use:   "configure <external-id>",
		Short: "Set the bot behavior for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(func(ctx context.Context, stores *store.Stores) error {
				return stores.Accounts.UpsertAccountConfig(ctx, &store.AccountConfig{
					AccountID:     args[0],
					TriggerPhrase: trigger,
					FirstMessage:  first,
					EndMessage:    end,
					StopToken:     stop,
					MaxMessages:   maxMsgs,
				})
			})
		},
	}
	cmd.Flags().StringVar(&trigger, "trigger", "", "activation trigger phrase (empty = answer everyone)")
	cmd.Flags().StringVar(&first, "first-message", "", "forced follow-up after the first reply")
	cmd.Flags().StringVar(&end, "end-message", "", "message sent when the answer cap is reached")
	cmd.Flags().StringVar(&stop, "stop-token", "", "token that permanently silences the bot")
	cmd.Flags().IntVar(&maxMsgs, "max-messages", 5, "bot answer cap per conversation")
	return cmd
}
