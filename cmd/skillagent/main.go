package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	version = "dev"

	configPath string
)

func main() {
	// Load .env before config reads the environment; a missing file is fine.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("warning: loading .env: %v", err)
	}

	root := &cobra.Command{
		Use:     "skillagent",
		Short:   "Skill-orchestrating LLM agent runtime",
		Version: version,
		Long: `skillagent runs an LLM agent that discovers skills from manifest files,
executes them through a sandbox gateway, and serves streaming completions
over HTTP.`,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (TOML)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newChatCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
