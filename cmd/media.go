package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/guqu-crawler/internal/crawler"
)

func newMediaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "media",
		Short: "Downloads media for stored records that still lack it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			rows, err := a.Records.FindRecordsNeedingMedia(cmd.Context())
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				a.Logger.Info("no records need media")
				return nil
			}
			records := make([]crawler.DownloadRecord, 0, len(rows))
			for _, row := range rows {
				records = append(records, row.DownloadRecord())
			}
			return materialize(cmd.Context(), a, records)
		},
	}
}
