package main

import (
	"bufio"
	"fmt"
	"strings"

	"modelsync/internal/credentials"
	"modelsync/internal/provider"

	"github.com/spf13/cobra"
)

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage provider credentials in the OS credential store",
	}

	var tokenType string
	var bot bool

	set := &cobra.Command{
		Use:   "set <github|gitlab>",
		Short: "Store a token read from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseProvider(args[0])
			if err != nil {
				return err
			}
			value, err := readSecret(cmd)
			if err != nil {
				return err
			}
			r := credentials.NewResolver(nil, nil)
			if bot {
				err = r.StoreBotToken(kind, value)
			} else {
				err = r.StoreUserToken(kind, flags.userID, credentials.TokenType(tokenType), value)
			}
			if err != nil {
				return err
			}
			printSuccess(cmd, "Stored %s token for %s", tokenType, who(bot))
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <github|gitlab>",
		Short: "Remove a stored token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseProvider(args[0])
			if err != nil {
				return err
			}
			r := credentials.NewResolver(nil, nil)
			if bot {
				err = r.DeleteBotToken(kind)
			} else {
				err = r.DeleteUserToken(kind, flags.userID, credentials.TokenType(tokenType))
			}
			if err != nil {
				return err
			}
			printSuccess(cmd, "Deleted %s token for %s", tokenType, who(bot))
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Check that the credential store is usable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(cmd, credentials.NewResolver(nil, nil).StoreStatus())
		},
	}

	for _, c := range []*cobra.Command{set, del} {
		c.Flags().StringVar(&tokenType, "type", string(credentials.TokenPAT), "token type: pat or ssh")
		c.Flags().BoolVar(&bot, "bot", false, "manage the bot token instead of the user's")
	}
	cmd.AddCommand(set, del, status)
	return cmd
}

func parseProvider(s string) (provider.Kind, error) {
	switch kind := provider.Kind(strings.ToLower(s)); kind {
	case provider.GitHub, provider.GitLab:
		return kind, nil
	default:
		return "", fmt.Errorf("unknown provider %q", s)
	}
}

// readSecret reads the whole of stdin; SSH keys span several lines.
func readSecret(cmd *cobra.Command) (string, error) {
	var b strings.Builder
	sc := bufio.NewScanner(cmd.InOrStdin())
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		b.WriteString(sc.Text())
		b.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	value := strings.TrimSpace(b.String())
	if value == "" {
		return "", fmt.Errorf("no token on stdin")
	}
	return value, nil
}

func who(bot bool) string {
	if bot {
		return "the bot"
	}
	return flags.userID
}
