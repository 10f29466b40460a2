package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// fetchCmd represents the fetch command
var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch and print the daily channel status list",
	Long:  `Fetch the logger and QC portal data for a date, reconcile the channels and print each one's completion status.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		date, _ := cmd.Flags().GetString("date")
		if date == "" {
			date = time.Now().Format("2006-01-02")
		}

		p, err := buildPipeline(cmd)
		if err != nil {
			return err
		}

		rows, err := p.BuildDaily(context.Background(), date)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Println("No channel activity found for", date)
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "CHANNEL\tLOGGER END\tQC END\tSTATUS\t")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t\n", r.ChannelName, r.LoggerEndTime, r.QCEndTime, r.Status)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(fetchCmd)
	fetchCmd.Flags().StringP("date", "d", "", "Report date, YYYY-MM-DD (default today)")
}
