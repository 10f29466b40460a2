package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// clusterCmd represents the cluster command
var clusterCmd = &cobra.Command{
	Use:   "cluster [name]",
	Short: "Fetch and print a cluster's per-channel activity",
	Long:  `Fetch the merged logger and EQ activity windows for every channel of a cluster and flag the ones still short of a full day.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := buildPipeline(cmd)
		if err != nil {
			return err
		}

		if len(args) == 0 {
			names := p.ClusterNames()
			if len(names) == 0 {
				return fmt.Errorf("no clusters configured (edit ~/.tagwatch.yaml)")
			}
			fmt.Println("Configured clusters:")
			for _, n := range names {
				fmt.Println("  " + n)
			}
			return nil
		}

		date, _ := cmd.Flags().GetString("date")
		if date == "" {
			date = time.Now().Format("2006-01-02")
		}

		report, err := p.BuildCluster(context.Background(), args[0], date)
		if err != nil {
			return err
		}

		low := make(map[string]bool, len(report.LowDuration))
		for _, id := range report.LowDuration {
			low[id] = true
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "CHANNEL\tID\tSOURCE\tSTART\tEND\tFLAG\t")
		for _, ch := range report.Channels {
			flag := ""
			if low[ch.ChannelID] {
				flag = "LOW"
			}
			for _, l := range ch.Logs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t\n", ch.Name, ch.ChannelID, l.Source, l.Start, l.End, flag)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}

		fmt.Printf("\n%d/%d channels past the duration bar (%.1f%%)\n",
			report.Progress.QCed, report.Progress.Total, report.Progress.Percentage)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(clusterCmd)
	clusterCmd.Flags().StringP("date", "d", "", "Report date, YYYY-MM-DD (default today)")
}
