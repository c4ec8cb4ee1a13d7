// Package cli wires the refinery commands.
package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "refinery",
	Short: "Segmented AI document rewriting service",
	Long: `refinery rewrites long documents segment by segment through staged model
calls (polish, enhance, emotion), streaming progress to subscribers and
bounding how many jobs run concurrently.

State is stored in SQLite (~/.refinery/refinery.db by default). The serve
command starts the HTTP API with SSE progress streams.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(dbCmd)
}
