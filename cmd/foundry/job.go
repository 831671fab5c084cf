package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/foundryrun/foundry/internal/client"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Submit and inspect jobs",
}

func init() {
	jobCmd.PersistentFlags().String("server", "http://127.0.0.1:8001", "Foundry API server address")
	jobCmd.PersistentFlags().String("api-key", "", "Foundry API key")

	jobCmd.AddCommand(jobSubmitCmd)
	jobCmd.AddCommand(jobListCmd)
	jobCmd.AddCommand(jobGetCmd)
	jobCmd.AddCommand(jobDetailsCmd)
	jobCmd.AddCommand(jobOutputsCmd)
	jobCmd.AddCommand(jobDownloadCmd)
	jobCmd.AddCommand(jobArchiveCmd)

	jobSubmitCmd.Flags().String("process", "", "Registered process name, or \"custom\"")
	jobSubmitCmd.Flags().String("name", "", "Human-readable alias for the job")
	jobSubmitCmd.Flags().String("file", "", "Input file to upload")
	jobSubmitCmd.Flags().String("script", "", "Ad hoc Go source file to upload, required when --process=custom")
	jobSubmitCmd.Flags().String("params", "", "JSON object of entrypoint parameters")
	jobSubmitCmd.Flags().String("config", "", "JSON object of worker config overrides")
	jobSubmitCmd.Flags().Bool("watch", false, "Poll the job until it reaches a terminal state before returning")
	jobSubmitCmd.Flags().Bool("batch", false, "With --watch, exit with the job's status code instead of 0")
}

func jobClient(cmd *cobra.Command) *client.Client {
	server, _ := cmd.Flags().GetString("server")
	apiKey, _ := cmd.Flags().GetString("api-key")
	return client.New(server, apiKey)
}

func decodeJSONObject(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode JSON object: %w", err)
	}
	return out, nil
}

var jobSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new job",
	RunE: func(cmd *cobra.Command, args []string) error {
		process, _ := cmd.Flags().GetString("process")
		name, _ := cmd.Flags().GetString("name")
		filePath, _ := cmd.Flags().GetString("file")
		scriptPath, _ := cmd.Flags().GetString("script")
		rawParams, _ := cmd.Flags().GetString("params")
		rawConfig, _ := cmd.Flags().GetString("config")
		watch, _ := cmd.Flags().GetBool("watch")
		batch, _ := cmd.Flags().GetBool("batch")

		params, err := decodeJSONObject(rawParams)
		if err != nil {
			return err
		}
		cfgOverrides, err := decodeJSONObject(rawConfig)
		if err != nil {
			return err
		}

		req := client.SubmitJobRequest{Process: process, Name: name, Params: params, Config: cfgOverrides}

		if filePath != "" {
			f, err := os.Open(filePath)
			if err != nil {
				return fmt.Errorf("open --file: %w", err)
			}
			defer f.Close()
			req.File = f
			req.FileName = filePath
		}
		if scriptPath != "" {
			f, err := os.Open(scriptPath)
			if err != nil {
				return fmt.Errorf("open --script: %w", err)
			}
			defer f.Close()
			req.Script = f
			req.ScriptName = scriptPath
		}

		c := jobClient(cmd)
		ctx := context.Background()
		resp, err := c.SubmitJob(ctx, req)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\t%s\n", resp.UUID, resp.Name, resp.Status)

		if !watch {
			return nil
		}
		job, err := c.WaitTerminal(ctx, resp.UUID, 2*time.Second)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\n", job.ID, job.Status)
		if batch {
			os.Exit(client.ExitCode(job.Status))
		}
		return nil
	},
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every known job",
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs, err := jobClient(cmd).ListJobs(context.Background())
		if err != nil {
			return err
		}
		for _, j := range jobs {
			fmt.Printf("%s\t%s\t%s\n", j.ID, j.Status, j.Name)
		}
		return nil
	},
}

var jobGetCmd = &cobra.Command{
	Use:   "get <uuid>",
	Short: "Show a job's abbreviated state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := jobClient(cmd).GetJob(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printJSON(job)
	},
}

var jobDetailsCmd = &cobra.Command{
	Use:   "details <uuid>",
	Short: "Show a job's expanded state, including steps and result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		details, err := jobClient(cmd).JobDetails(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printJSON(details)
	},
}

var jobOutputsCmd = &cobra.Command{
	Use:   "outputs <uuid>",
	Short: "List a job's output files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		outputs, err := jobClient(cmd).ListOutputs(context.Background(), args[0])
		if err != nil {
			return err
		}
		for _, o := range outputs {
			fmt.Println(o)
		}
		return nil
	},
}

var jobDownloadCmd = &cobra.Command{
	Use:   "download <uuid> <path>",
	Short: "Download one output file to stdout, or --output",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("output")
		dst, closeDst, err := openDest(out)
		if err != nil {
			return err
		}
		defer closeDst()
		return jobClient(cmd).DownloadOutput(context.Background(), args[0], args[1], dst)
	},
}

var jobArchiveCmd = &cobra.Command{
	Use:   "archive <uuid>",
	Short: "Download a job's packaged output archive, or wait for packaging",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("output")
		dst, closeDst, err := openDest(out)
		if err != nil {
			return err
		}
		defer closeDst()

		ready, err := jobClient(cmd).DownloadArchive(context.Background(), args[0], dst)
		if err != nil {
			return err
		}
		if !ready {
			fmt.Fprintln(os.Stderr, "archive packaging is still in progress, try again shortly")
		}
		return nil
	},
}

func init() {
	jobDownloadCmd.Flags().String("output", "", "Write to this file instead of stdout")
	jobArchiveCmd.Flags().String("output", "", "Write to this file instead of stdout")
}

func openDest(path string) (*os.File, func(), error) {
	if path == "" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create %s: %w", path, err)
	}
	return f, func() { f.Close() }, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
