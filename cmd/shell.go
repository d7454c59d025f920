package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/imagingdatacommons/idc-client-go/internal/client"
)

func newShellCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive SQL shell over the materialized catalog tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			tables, _ := cmd.Flags().GetStringSlice("tables")
			if err := ensureTables(cmd, c, tables); err != nil {
				return err
			}
			return runShell(cmd, c)
		},
	}
	cmd.Flags().StringSlice("tables", nil, "Additional tables to materialize before starting")
	return cmd
}

func runShell(cmd *cobra.Command, c *client.Client) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "idc> ",
		HistoryFile:     "",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to start shell: %w", err)
	}
	defer rl.Close()

	fmt.Println("Type a SQL statement, \\tables to list relations, or exit to quit.")
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case line == "exit" || line == "quit":
			return nil
		case line == "\\tables":
			for _, name := range c.Registry().TableNames() {
				fmt.Println(name)
			}
			continue
		}

		res, err := c.Query(cmd.Context(), line)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		printResult(res)
	}
}
