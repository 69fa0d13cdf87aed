package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"vigil/internal/models"
)

var statusCmd = &cobra.Command{
	Use:   "status [analysis-id]",
	Short: "Show the current status of an analysis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		view, err := appInstance.Analyses.GetStatus(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get status for %s: %w", args[0], err)
		}
		renderStatus(os.Stdout, view)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func statusColor(s models.Status) func(format string, a ...interface{}) string {
	switch s {
	case models.StatusCompleted:
		return color.GreenString
	case models.StatusFailed:
		return color.RedString
	case models.StatusPending:
		return color.WhiteString
	default:
		return color.YellowString
	}
}

func renderStatus(w io.Writer, v *models.StatusView) {
	fmt.Fprintf(w, "ID:        %s\n", v.ID)
	fmt.Fprintf(w, "Reference: %s\n", v.Reference)
	fmt.Fprintf(w, "Status:    %s\n", statusColor(v.Status)("%s", v.Status))
	fmt.Fprintf(w, "Stage:     %s\n", v.Stage)
	fmt.Fprintf(w, "Started:   %s\n", formatTime(v.StartedAt))
	fmt.Fprintf(w, "Completed: %s\n", formatTime(v.CompletedAt))
	if v.Score != nil {
		fmt.Fprintf(w, "Score:     %.2f\n", *v.Score)
	}
	if v.FindingsCount != nil {
		fmt.Fprintf(w, "Findings:  %d\n", *v.FindingsCount)
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "N/A"
	}
	return t.UTC().Format(time.RFC3339)
}
