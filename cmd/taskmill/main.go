package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "taskmill",
		Short:         "taskmill deploys and manages background task workers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newDeployCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "taskmill: %v\n", err)
		os.Exit(1)
	}
}
