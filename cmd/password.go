package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.olrik.dev/browserkeeper/internal/keyring"
)

func NewPasswordCommand() *cobra.Command {
	passwordCmd := &cobra.Command{
		Use:     "password",
		Aliases: []string{"passwd", "pass"},
		Short:   "Manage the proxy control port password",
		Long: `Store or delete the password used to authenticate on the proxy control port.
The password is stored in the system keyring (Keychain on macOS, Secret Service on Linux,
Credential Manager on Windows). It is only used when proxy.control_addr is configured
and no control_cookie file is set.`,
	}

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Store the control port password",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			password, err := keyring.PromptAndConfirmPassword(keyring.ControlEntry)
			exitOnError("Failed to read password", err)

			exitOnError("Failed to store password", keyring.SetPassword(keyring.ControlEntry, password))

			slog.Info("Control port password stored securely")
		},
	}

	deleteCmd := &cobra.Command{
		Use:     "delete",
		Aliases: []string{"del", "remove", "rm"},
		Short:   "Delete the stored control port password",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			exitOnError("Failed to delete password", keyring.DeletePassword(keyring.ControlEntry))

			slog.Info("Control port password deleted")
		},
	}

	showCmd := &cobra.Command{
		Use:     "status",
		Aliases: []string{"show"},
		Short:   "Show whether a control port password is stored",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if keyring.HasPassword(keyring.ControlEntry) {
				fmt.Println("A control port password is stored")
				return
			}
			fmt.Println("No control port password stored")
			os.Exit(1)
		},
	}

	passwordCmd.AddCommand(setCmd, deleteCmd, showCmd)
	return passwordCmd
}
