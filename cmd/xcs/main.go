package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "xcs",
	Short: "xcs - container build service",
	Long: `xcs builds Docker and Singularity images from uploaded recipes or git
repositories, pushes them to a registry or object storage, and tracks every
build as a record that can be polled or streamed.`,
	SilenceUsage: true,
}

var (
	configPath string
	serverAddr string
	apiToken   string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a config file (default ./configs/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", envOr("XCS_SERVER", "http://127.0.0.1:5000"), "Service base URL for client commands")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("XCS_TOKEN"), "Bearer token for client commands")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(definitionCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(repo2dockerCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(threadsCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
