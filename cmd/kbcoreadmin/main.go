// Command kbcoreadmin is an operator CLI for ad-hoc kbcore maintenance:
// trigger a refresh, sync or clean up a profile's dataset, force a
// prune sweep. It drives the running kbcored instance's own maintenance
// HTTP API (internal/httpapi) rather than opening a second connection to
// Redis/Weaviate, so it always exercises the exact code path a cron job
// or the bot backend would.
//
// Grounded on the chat CLI's Cobra shape: a
// package-level rootCmd, one file per command group, flag vars bound
// with PersistentFlags/Flags, runXCommand(cmd *cobra.Command, args
// []string) handlers that print results with fmt.Printf and fail with
// log.Fatalf.
//
// Usage:
//
//	kbcoreadmin refresh --force
//	kbcoreadmin sync 42 --reason profile_updated
//	kbcoreadmin cleanup 42 --reason account_deleted
//	kbcoreadmin prune
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
)

var (
	baseURL         string
	refreshUser     string
	refreshPassword string
	internalKeyID   string
	internalSecret  string
)

var rootCmd = &cobra.Command{
	Use:   "kbcoreadmin",
	Short: "Operator CLI for kbcore's knowledge-base maintenance API",
}

func main() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", envOrDefault("KBCORE_BASE_URL", "http://localhost:8090"), "kbcored base URL")
	rootCmd.PersistentFlags().StringVar(&refreshUser, "refresh-user", os.Getenv("AI_COACH_REFRESH_USER"), "Basic-auth username for /knowledge/refresh/")
	rootCmd.PersistentFlags().StringVar(&refreshPassword, "refresh-password", os.Getenv("AI_COACH_REFRESH_PASSWORD"), "Basic-auth password for /knowledge/refresh/")
	rootCmd.PersistentFlags().StringVar(&internalKeyID, "key-id", os.Getenv("INTERNAL_KEY_ID"), "HMAC key id for /internal/knowledge/... routes")
	rootCmd.PersistentFlags().StringVar(&internalSecret, "secret", os.Getenv("INTERNAL_API_KEY"), "HMAC signing secret for /internal/knowledge/... routes")

	rootCmd.AddCommand(newRefreshCmd())
	rootCmd.AddCommand(newSyncCmd())
	rootCmd.AddCommand(newCleanupCmd())
	rootCmd.AddCommand(newPruneCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newRefreshCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Re-pull the global dataset and re-cognify it",
		Run: func(cmd *cobra.Command, args []string) {
			path := "/knowledge/refresh/"
			if force {
				path += "?force=true"
			}
			resp, err := basicAuthPost(path, nil)
			if err != nil {
				log.Fatalf("Error: %v", err)
			}
			fmt.Println(resp)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "bypass the duplicate-digest skip")
	return cmd
}

func newSyncCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "sync <profile-id>",
		Short: "Ensure a profile's dataset exists and re-cognify it",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			resp, err := hmacPost(fmt.Sprintf("/internal/knowledge/profiles/%s/sync/", args[0]), reasonBody(reason))
			if err != nil {
				log.Fatalf("Error: %v", err)
			}
			fmt.Println(resp)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual_sync", "audit reason recorded for this sync")
	return cmd
}

func newCleanupCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cleanup <profile-id>",
		Short: "Purge HashStore bookkeeping for a profile's datasets",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			resp, err := hmacPost(fmt.Sprintf("/internal/knowledge/profiles/%s/cleanup/", args[0]), reasonBody(reason))
			if err != nil {
				log.Fatalf("Error: %v", err)
			}
			fmt.Println(resp)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual_cleanup", "audit reason recorded for this cleanup")
	return cmd
}

func newPruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Sweep every known dataset through the HashStore sanitizer",
		Run: func(cmd *cobra.Command, args []string) {
			resp, err := hmacPost("/internal/knowledge/prune/", nil)
			if err != nil {
				log.Fatalf("Error: %v", err)
			}
			fmt.Println(resp)
		},
	}
}
