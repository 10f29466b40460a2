package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/tagwatch/tagwatch/internal/utils"
	"github.com/tagwatch/tagwatch/pkg/storage"
)

var dbPath string

// dbCmd represents the db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Interact with the tagwatch cache database",
}

// shellCmd represents the shell command
var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Start an interactive shell to the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolveDBPath(cmd)
		if err != nil {
			return err
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			return fmt.Errorf("database file not found: %s", path)
		}

		// Check if sqlite3 is in PATH
		sqlitePath, err := exec.LookPath("sqlite3")
		if err != nil {
			return fmt.Errorf("sqlite3 command not found in your PATH. Please install it to use the db shell")
		}

		// Print schema first
		fmt.Println("--> Database schema:")
		schemaCmd := exec.Command(sqlitePath, path, ".schema")
		schemaCmd.Stdout = os.Stdout
		schemaCmd.Stderr = os.Stderr
		if err := schemaCmd.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: couldn't retrieve schema: %v\n", err)
		}
		fmt.Println("\n--> Starting interactive shell... (Ctrl+D to exit)")

		c := exec.Command(sqlitePath, path)
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr

		return c.Run()
	},
}

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Prints statistics about the cached reports in the database.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolveDBPath(cmd)
		if err != nil {
			return err
		}

		db, err := storage.Open(path)
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats(context.Background())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.AlignRight)
		fmt.Fprintln(w, "TABLE\tDATES\tROWS\tNEWEST\t")
		for _, s := range stats {
			newest := s.Newest
			if newest == "" {
				newest = "-"
			}
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\t\n", s.Table, s.Dates, s.Rows, newest)
		}
		return w.Flush()
	},
}

// cleanupCmd represents the cleanup command
var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Drop cached reports older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolveDBPath(cmd)
		if err != nil {
			return err
		}

		db, err := storage.Open(path)
		if err != nil {
			return err
		}
		defer db.Close()

		cutoff := storage.RetentionCutoff(time.Now())
		n, err := db.Cleanup(context.Background(), cutoff)
		if err != nil {
			return err
		}
		fmt.Printf("Dropped %d rows dated before %s\n", n, cutoff)
		return nil
	},
}

func resolveDBPath(cmd *cobra.Command) (string, error) {
	path, _ := cmd.Parent().PersistentFlags().GetString("dbpath")
	return utils.GetAbsDBPath(path)
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(shellCmd)
	dbCmd.AddCommand(statsCmd)
	dbCmd.AddCommand(cleanupCmd)
	dbCmd.PersistentFlags().StringVar(&dbPath, "dbpath", "", "Path to SQLite cache file (default ~/.config/tagwatch/tagwatch.sqlite)")
}
