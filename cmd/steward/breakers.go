package main

import (
	"github.com/spf13/cobra"
)

var breakersCmd = &cobra.Command{
	Use:   "breakers",
	Short: "Show circuit breaker state",
	Long: `Show the last persisted state of every collaborator's circuit breaker.

A running daemon saves breaker state after every dispatch sweep, so this
view may lag the live state by one sweep interval.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		snaps, err := db.ListBreakerSnapshots(cmd.Context())
		if err != nil {
			return err
		}
		printBreakers(cmd.OutOrStdout(), snaps)
		return nil
	},
}
