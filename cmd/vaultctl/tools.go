package main

import (
	"fmt"
	"strings"

	"family-vault/internal/password"
	"family-vault/internal/repository/scylla"
	"family-vault/internal/session"

	"github.com/spf13/cobra"
)

var genPasswordCmd = &cobra.Command{
	Use:   "gen-password",
	Short: "Generate a random password",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := password.DefaultOptions()
		opts.Length, _ = cmd.Flags().GetInt("length")
		noSymbols, _ := cmd.Flags().GetBool("no-symbols")
		allowSimilar, _ := cmd.Flags().GetBool("allow-similar")
		opts.IncludeSymbols = !noSymbols
		opts.ExcludeSimilar = !allowSimilar

		pw, err := password.Generate(opts)
		if err != nil {
			return err
		}
		s := password.Score(pw)
		fmt.Fprintln(cmd.OutOrStdout(), pw)
		fmt.Fprintf(cmd.ErrOrStderr(), "strength: %d/%d (%s)\n", s.Score, password.MaxScore, s.Level())
		return nil
	},
}

var strengthCmd = &cobra.Command{
	Use:   "strength <password>",
	Short: "Score a password",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s := password.Score(args[0])
		fmt.Fprintf(cmd.OutOrStdout(), "score:  %d/%d (%s)\n", s.Score, password.MaxScore, s.Level())
		fmt.Fprintf(cmd.OutOrStdout(), "strong: %t\n", s.IsStrong)
		fmt.Fprintf(cmd.OutOrStdout(), "notes:  %s\n", strings.Join(s.Feedback, "; "))
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Deactivate expired sessions once",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		mgr := session.NewManager(
			scylla.NewSessionRepository(s.client),
			scylla.NewMemberRepository(s.client, s.sealer),
		)
		n, err := mgr.SweepExpired(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deactivated %d expired sessions\n", n)
		return nil
	},
}

func init() {
	genPasswordCmd.Flags().IntP("length", "l", password.DefaultLength, "Password length")
	genPasswordCmd.Flags().Bool("no-symbols", false, "Leave out symbols")
	genPasswordCmd.Flags().Bool("allow-similar", false, "Keep look-alike characters such as 0/O and 1/l")
}
