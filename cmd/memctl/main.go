// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command memctl is a thin CLI client for a running memoryd, useful for
// local testing and demos of the six "Exposed to collaborators"
// operations.
//
// Usage:
//
//	memctl prepare alice
//	memctl register alice chain-object-1
//	memctl ingest alice "Alice works at Acme" --category note
//	memctl query alice "Where does Alice work?" --k 5
//	memctl flush alice
//	memctl stats
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var serverAddr string

func main() {
	rootCmd := &cobra.Command{Use: "memctl", Short: "CLI client for the personal memory layer's HTTP API"}
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "http://localhost:8080", "memoryd base address")

	rootCmd.AddCommand(prepareCmd(), registerCmd(), ingestCmd(), queryCmd(), flushCmd(), statsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func prepareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prepare <user>",
		Short: "prepare_index(user): create an empty index and graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return postJSON(fmt.Sprintf("/v1/users/%s/prepare", args[0]), nil)
		},
	}
}

func registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register <user> <on_chain_id>",
		Short: "register_index(user, on_chain_id): bind and verify ownership",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return postJSON(fmt.Sprintf("/v1/users/%s/register", args[0]), map[string]string{"on_chain_id": args[1]})
		},
	}
}

func ingestCmd() *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "ingest <user> <content>",
		Short: "ingest(content, category, user): process a new memory",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return postJSON("/v1/memories", map[string]string{"user": args[0], "content": args[1], "category": category})
		},
	}
	cmd.Flags().StringVar(&category, "category", "note", "memory category")
	return cmd
}

func queryCmd() *cobra.Command {
	var k int
	cmd := &cobra.Command{
		Use:   "query <user> <text>",
		Short: "query(text, user, k): find_relevant memories",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return postJSON("/v1/query", map[string]any{"user": args[0], "text": args[1], "k": k})
		},
	}
	cmd.Flags().IntVar(&k, "k", 10, "number of results")
	return cmd
}

func flushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush <user>",
		Short: "force_flush(user): drain pending writes now",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return postJSON(fmt.Sprintf("/v1/users/%s/flush", args[0]), nil)
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "batch_stats(): observability snapshot",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			resp, err := http.Get(serverAddr + "/v1/stats")
			if err != nil {
				return err
			}
			return printResponse(resp)
		},
	}
}

func postJSON(path string, body any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(serverAddr+path, "application/json", reader)
	if err != nil {
		return err
	}
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, data, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(data))
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("request failed: %s", resp.Status)
	}
	return nil
}
