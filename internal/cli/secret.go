package cli

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MrEthical07/clinicauth/password"
)

func newSecretCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Secret helpers for the local identity provider",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "hash",
		Short: "Read a secret from stdin and print its Argon2id hash",
		Long: `Read one line from stdin and print an Argon2id PHC hash suitable for
local.Provider.AddUserWithHash.

Example:
  printf '%s\n' 'correct-horse' | clinicauthctl secret hash`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return errors.New("no secret on stdin")
			}
			secret := strings.TrimRight(line, "\r\n")

			h, err := password.New(password.DefaultConfig())
			if err != nil {
				return err
			}
			encoded, err := h.Hash(secret)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), encoded)
			return err
		},
	})
	return cmd
}
