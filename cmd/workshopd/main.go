package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var version = "0.3.0"

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red("error:"), err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "workshopd",
		Short:         "Steam Workshop download orchestration service",
		Long:          "workshopd downloads workshop items through steamcmd, archives them,\nand serves the archives over HTTP.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a yaml config file (defaults and WORKSHOPD_* env vars apply without one)")

	root.AddCommand(
		newServeCommand(&configPath),
		newVerifySessionCommand(&configPath),
		newAuthCommand(&configPath),
		newConfigCommand(&configPath),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the workshopd version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Printf("%s %s\n", bold("workshopd"), version)
		},
	}
}
