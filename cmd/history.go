package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	historySession string
	historyLimit   int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past verification sessions and their decision intervals",
	RunE: func(cmd *cobra.Command, args []string) error {
		if DB == nil {
			return errors.New("history requires a database: set --db, db_url or POSTGRES_HOST")
		}
		if historySession != "" {
			return runHistoryIntervals(cmd, historySession)
		}
		return runHistorySessions(cmd, historyLimit)
	},
}

func init() {
	historyCmd.Flags().StringVarP(&historySession, "session", "s", "", "Show the intervals of one session")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of sessions to list")
	rootCmd.AddCommand(historyCmd)
}

func runHistorySessions(cmd *cobra.Command, limit int) error {
	sessions, err := DB.ListSessions(cmd.Context(), limit)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions found in database.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tSOURCE\tVERIFIER\tTHRESHOLD\tSTARTED\tDURATION\tINTERVALS")
	fmt.Fprintln(w, "--\t------\t--------\t---------\t-------\t--------\t---------")

	for _, s := range sessions {
		duration := "running"
		if s.EndedAt != nil {
			duration = fmtDuration(s.EndedAt.Sub(s.StartedAt))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%s\t%s\t%d\n",
			s.ID, s.Source, s.Verifier, s.Threshold, s.StartedAt.Local().Format("2006-01-02 15:04"), duration, s.Intervals)
	}
	return w.Flush()
}

func runHistoryIntervals(cmd *cobra.Command, sessionID string) error {
	intervals, err := DB.ListIntervals(cmd.Context(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to list intervals: %w", err)
	}

	if len(intervals) == 0 {
		fmt.Printf("No intervals recorded for session %s.\n", sessionID)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "LABEL\tFRAMES\tSTART\tDURATION\tBEST DISTANCE")
	fmt.Fprintln(w, "-----\t------\t-----\t--------\t-------------")

	for _, iv := range intervals {
		best := "-"
		if iv.MinDistance != nil {
			best = fmt.Sprintf("%.4f", *iv.MinDistance)
		}
		fmt.Fprintf(w, "%s\t%d-%d\t%s\t%s\t%s\n",
			iv.Label, iv.StartSeq, iv.EndSeq, iv.Start.Local().Format("15:04:05"), fmtDuration(iv.Duration()), best)
	}
	return w.Flush()
}
