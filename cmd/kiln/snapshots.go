package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
)

var versionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "List automatic per-commit version snapshots",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		versions, err := st.Versions()
		if err != nil {
			return err
		}
		for i, v := range versions {
			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", i, filepath.Base(v.Path()))
			_ = v.Close()
		}
		if len(versions) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No versions yet")
		}
		return nil
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot <label>",
	Short: "Copy the live database to a named snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		if err := st.Snapshot(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Snapshot %q written\n", args[0])
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <label>",
	Short: "Overwrite the live database with a named snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("restore takes exactly one snapshot label")
		}
		st, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		if err := st.Restore(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Restored from %q\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionsCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(restoreCmd)
}
