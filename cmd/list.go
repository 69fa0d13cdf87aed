package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"vigil/internal/clix"
	"vigil/internal/models"
)

var (
	listLimit  int
	listOffset int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List analyses, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		pagination, err := clix.ParsePagination(cmd.Flags())
		if err != nil {
			return err
		}
		log.Debugf("Listing analyses (limit: %d, offset: %d)", pagination.Limit, pagination.Offset)

		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get app from context: %w", err)
		}

		analyses, err := appInstance.Analyses.List(cmd.Context(), pagination.Limit, pagination.Offset)
		if err != nil {
			return fmt.Errorf("failed to list analyses: %w", err)
		}
		if len(analyses) == 0 {
			fmt.Println("No analyses found.")
			return nil
		}
		renderAnalyses(os.Stdout, analyses)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().IntVarP(&listLimit, "limit", "l", clix.DefaultLimit, "Number of analyses to display")
	listCmd.Flags().IntVarP(&listOffset, "offset", "o", 0, "Number of analyses to skip")
}

func renderAnalyses(w io.Writer, analyses []*models.Analysis) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Reference", "Status", "Stage", "Attempts", "Created At"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for _, a := range analyses {
		table.Append([]string{
			a.ID,
			a.Reference,
			string(a.Status),
			a.Stage,
			strconv.Itoa(a.Attempts),
			a.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	table.Render()
}
