package main

import (
	"fmt"
	"strconv"

	"economy-bot/internal/ledger"
	"economy-bot/internal/ranking"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(topCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := bootstrap()
		if err != nil {
			return err
		}
		store, err := openStore(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		store.Close()
		return nil
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance USER_ID",
	Short: "Print the balance and rank of a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := bootstrap()
		if err != nil {
			return err
		}
		store, err := openStore(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		userID := args[0]
		entry, ranked, err := ranking.NewEngine(store, logger).RankOf(cmd.Context(), userID)
		if err != nil {
			return err
		}
		if !ranked {
			balance, err := ledger.New(store, nil, logger, ledger.Config{}).Balance(cmd.Context(), userID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s coins (unranked)\n", userID, ledger.FormatAmount(balance))
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s coins, rank #%d\n", userID, ledger.FormatAmount(entry.Balance), entry.Rank)
		return nil
	},
}

var topCmd = &cobra.Command{
	Use:   "top [N]",
	Short: "Print the top N balances",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n := 10
		if len(args) == 1 {
			v, err := strconv.Atoi(args[0])
			if err != nil || v <= 0 {
				return fmt.Errorf("N must be a positive integer, got %q", args[0])
			}
			n = v
		}

		cfg, logger, err := bootstrap()
		if err != nil {
			return err
		}
		store, err := openStore(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		board, err := ranking.NewEngine(store, logger).Board(cmd.Context(), n)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, e := range board.Entries {
			fmt.Fprintf(out, "%3d  %-24s %s\n", e.Rank, e.UserID, ledger.FormatAmount(e.Balance))
		}
		fmt.Fprintf(out, "%d holders, %s coins total\n", board.Aggregate.Participants, ledger.FormatAmount(board.Aggregate.Total))
		return nil
	},
}
