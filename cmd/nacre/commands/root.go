package commands

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"nacre/internal/app"
)

var (
	home       string
	passphrase string
	userID     string
	deviceID   string

	wire *app.Wire
)

// Execute runs the nacre CLI.
func Execute() error {
	root := &cobra.Command{
		Use:   "nacre",
		Short: "End-to-end encryption engine CLI",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ConfigFromEnv()
			if err != nil {
				return err
			}
			if home != "" {
				cfg.Home = home
			}
			if cfg.Home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				cfg.Home = filepath.Join(dir, ".nacre")
			}
			if passphrase != "" {
				cfg.Passphrase = passphrase
			}
			if userID != "" {
				cfg.UserID = userID
			}
			if deviceID != "" {
				cfg.DeviceID = deviceID
			}
			if cfg.Passphrase == "" {
				return fmt.Errorf("passphrase required (-p or NACRE_PASSPHRASE)")
			}

			wire, err = app.NewWire(cfg, nil, newLogger(cfg.LogLevel))
			return err
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "state dir (default ~/.nacre)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting the state file")
	root.PersistentFlags().StringVar(&userID, "user", "", "own user id, e.g. @alice:example.org")
	root.PersistentFlags().StringVar(&deviceID, "device", "", "own device id")

	root.AddCommand(initCmd(), fingerprintCmd(), keysCmd())
	return root.Execute()
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
