package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"nacre/internal/olm"
)

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the device identity keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			pickled, err := wire.Store.Account(cmd.Context())
			if err != nil {
				return err
			}
			if pickled == "" {
				return fmt.Errorf("no account, run init first")
			}
			account, err := olm.AccountFromPickle(pickled, nil)
			if err != nil {
				return err
			}
			fmt.Printf("Curve25519: %s\nEd25519:    %s\n",
				account.IdentityCurveKey(), account.IdentitySigningKey())
			return nil
		},
	}
}
