package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"nacre/internal/olm"
)

func keysCmd() *cobra.Command {
	var generate int

	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Show or replenish the one-time key pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			var total, unpublished int
			err := wire.Store.UpdateAccount(cmd.Context(), func(old string) (string, error) {
				if old == "" {
					return "", fmt.Errorf("no account, run init first")
				}
				account, err := olm.AccountFromPickle(old, nil)
				if err != nil {
					return "", err
				}
				if generate > 0 {
					if err := account.GenerateOneTimeKeys(generate); err != nil {
						return "", err
					}
				}
				total = account.OneTimeKeyCount()
				unpublished = len(account.UnpublishedOneTimeKeys())
				return account.Pickle(nil)
			})
			if err != nil {
				return err
			}
			fmt.Printf("One-time keys: %d total, %d awaiting upload\n", total, unpublished)
			return nil
		},
	}

	cmd.Flags().IntVar(&generate, "generate", 0, "generate this many one-time keys first")
	return cmd
}
