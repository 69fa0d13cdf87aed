package cmd

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"vigil/internal/fileingest"
	"vigil/internal/services"
	"vigil/internal/store"
)

var (
	submitProject string
	submitFile    string
)

var submitCmd = &cobra.Command{
	Use:   "submit [document-key]",
	Short: "Submit a stored document for compliance analysis",
	Long: `Creates a PENDING analysis for an object in the document bucket and queues it
for the worker. With --file the local document is uploaded first, under the given
key or a generated documents/<project>/ key. The assigned reference code is printed.`,
	Args: cobra.RangeArgs(0, 1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}

		var key string
		if len(args) == 1 {
			key = args[0]
		}
		if submitFile != "" {
			if key == "" {
				meta, err := fileingest.ExtractFileMeta(submitFile)
				if err != nil {
					return err
				}
				key = fileingest.DocumentKey(submitProject, meta)
			}
			meta, err := fileingest.Upload(cmd.Context(), appInstance.Objects, key, submitFile)
			if err != nil {
				return fmt.Errorf("failed to upload %s: %w", submitFile, err)
			}
			fmt.Printf("Uploaded %s (%d bytes) to %s\n", meta.Name, meta.Size, key)
		}
		if key == "" {
			return fmt.Errorf("a document key or --file is required")
		}

		res, err := appInstance.Analyses.Submit(cmd.Context(), services.SubmitParams{
			ProjectID:   submitProject,
			DocumentKey: key,
		})
		if res == nil {
			return fmt.Errorf("failed to submit analysis: %w", err)
		}

		fmt.Printf("Analysis %s created (reference %s)\n", res.Analysis.ID, color.CyanString(res.Analysis.Reference))
		if err != nil {
			if errors.Is(err, store.ErrQueueUnavailable) {
				fmt.Printf("%s job queue unavailable; run \"vigil enqueue %s\" once Redis is back\n",
					color.YellowString("WARN"), res.Analysis.ID)
			}
			return err
		}
		fmt.Printf("Queued as job %s\n", res.JobID)
		return nil
	},
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue [analysis-id]",
	Short: "Queue an existing non-terminal analysis again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		jobID, err := appInstance.Analyses.Resubmit(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to enqueue analysis %s: %w", args[0], err)
		}
		fmt.Printf("Queued as job %s\n", jobID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(enqueueCmd)

	submitCmd.Flags().StringVarP(&submitProject, "project", "p", "", "Project the document belongs to")
	submitCmd.Flags().StringVarP(&submitFile, "file", "f", "", "Local document to upload before submitting")
}
