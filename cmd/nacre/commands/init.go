package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"nacre/internal/olm"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the local device account",
		RunE: func(cmd *cobra.Command, args []string) error {
			var account *olm.Account
			err := wire.Store.UpdateAccount(cmd.Context(), func(old string) (string, error) {
				if old != "" {
					return "", fmt.Errorf("account already initialized")
				}
				a, err := olm.NewAccount()
				if err != nil {
					return "", err
				}
				account = a
				return a.Pickle(nil)
			})
			if err != nil {
				return err
			}
			fmt.Printf("Account created.\nCurve25519: %s\nEd25519:    %s\n",
				account.IdentityCurveKey(), account.IdentitySigningKey())
			return nil
		},
	}
}
