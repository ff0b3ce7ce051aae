package main

import (
	"fmt"
	"os"

	"github.com/ignatij/leappflow/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "leappflow",
	Short: "Ingest leapp upgrade jobs into workflow documents",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
