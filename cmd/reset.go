package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	resetDB    bool
	resetFiles bool
	resetDebug bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Database, Reference, Debug Frames)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	RunE: func(cmd *cobra.Command, args []string) error {
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetFiles && !resetDebug {
			resetDB = true
			resetFiles = true
			resetDebug = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB {
			if DB == nil {
				fmt.Println("⏭️  No database configured, skipping.")
			} else if confirm(reader, "⚠️  Are you sure you want to DROP all database tables?") {
				fmt.Println("🗑️  Clearing Database...")
				if err := DB.Reset(cmd.Context()); err != nil {
					return fmt.Errorf("failed to reset database: %w", err)
				}
			}
		}

		if resetFiles {
			if confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete the reference image (%s)?", Cfg.ReferencePath)) {
				fmt.Println("🗑️  Clearing Reference...")
				removePath(Cfg.ReferencePath)
			}
		}

		if resetDebug && Cfg.DebugFramesDir != "" {
			if confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete all debug frames in %s?", Cfg.DebugFramesDir)) {
				fmt.Println("🗑️  Clearing Debug Frames...")
				removePath(Cfg.DebugFramesDir)
			}
		}

		fmt.Println("✨ System Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "db", false, "Clear PostgreSQL database")
	resetCmd.Flags().BoolVar(&resetFiles, "files", false, "Clear the persisted reference image")
	resetCmd.Flags().BoolVar(&resetDebug, "debug", false, "Clear debug frames")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removePath(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
