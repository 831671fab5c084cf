package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foundryrun/foundry/internal/client"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Inspect registered process entrypoints",
}

func init() {
	processCmd.PersistentFlags().String("server", "http://127.0.0.1:8001", "Foundry API server address")
	processCmd.PersistentFlags().String("api-key", "", "Foundry API key")

	processCmd.AddCommand(processListCmd)
	processCmd.AddCommand(processDocCmd)
}

func processClient(cmd *cobra.Command) *client.Client {
	server, _ := cmd.Flags().GetString("server")
	apiKey, _ := cmd.Flags().GetString("api-key")
	return client.New(server, apiKey)
}

var processListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every registered process",
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := processClient(cmd).ListProcesses(context.Background())
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}

var processDocCmd = &cobra.Command{
	Use:   "doc <name>",
	Short: "Print the doc comment attached to a process's main entrypoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := processClient(cmd).ProcessDoc(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(doc)
		return nil
	},
}
