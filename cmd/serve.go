package cmd

import (
	"context"
	"log"
	"time"

	"github.com/spf13/cobra"
	"github.com/tagwatch/tagwatch/internal/server"
	"github.com/tagwatch/tagwatch/internal/utils"
	"github.com/tagwatch/tagwatch/pkg/storage"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the tagwatch dashboard server",
	Long:  `Start the web dashboard. Reports are rebuilt in the background on a fixed cadence and served out of the SQLite cache.`,
	Run: func(cmd *cobra.Command, args []string) {
		dbPath, _ := cmd.Flags().GetString("dbpath")
		absPath, err := utils.GetAbsDBPath(dbPath)
		if err != nil {
			log.Fatalf("Failed to resolve DB path: %v", err)
		}

		// One process owns the cache at a time.
		lock, err := utils.NewDBLock(absPath)
		if err != nil {
			log.Fatalf("Failed to create DB lock: %v", err)
		}
		if err := lock.Lock(); err != nil {
			log.Fatalf("Another tagwatch instance is using %s: %v", absPath, err)
		}
		defer lock.Unlock()

		db, err := storage.Open(absPath)
		if err != nil {
			log.Fatalf("Failed to open DB: %v", err)
		}
		defer db.Close()

		p, err := buildPipeline(cmd)
		if err != nil {
			log.Fatalf("Failed to build pipeline: %v", err)
		}

		// Auth
		user, _ := cmd.Flags().GetString("username")
		pass, _ := cmd.Flags().GetString("password")
		addr, _ := cmd.Flags().GetString("bind")
		interval, _ := cmd.Flags().GetInt("refresh-minutes")

		srv := server.New(db, p, user, pass)
		go srv.RunRefresher(context.Background(), time.Duration(interval)*time.Minute)

		if err := srv.Start(addr); err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("bind", "b", ":9090", "Address to bind the server to")
	serveCmd.Flags().StringP("username", "u", "", "Username for basic auth (optional)")
	serveCmd.Flags().StringP("password", "p", "", "Password for basic auth (optional)")
	serveCmd.Flags().Int("refresh-minutes", 20, "Minutes between background report rebuilds")
	serveCmd.Flags().String("dbpath", "", "Path to SQLite cache file (default ~/.config/tagwatch/tagwatch.sqlite)")
}
