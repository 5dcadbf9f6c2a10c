package main

import (
	"fmt"
	"os/signal"

	"github.com/forest6511/keyrecover/internal/mcp"
	"github.com/forest6511/keyrecover/pkg/store"

	"github.com/spf13/cobra"
)

// version is reported to MCP clients.
var version = "dev"

func init() {
	rootCmd.AddCommand(mcpServerCmd)
}

// mcpServerCmd starts the read-only MCP server
var mcpServerCmd = &cobra.Command{
	Use:   "mcp-server",
	Short: "Start a read-only MCP server reporting key status",
	Long: `Start an MCP server over stdio that lets AI coding assistants check
whether offline keys are present and which items fail to decrypt.

The server never returns note titles, content or keys, and cannot run a
recovery. Recovery needs the passcode and is only done with 'keyrecover recover'.

Available tools:
  - recovery_status: Passcode set up, keys present, failing item count
  - item_list:       Item IDs with decryption status
  - item_exists:     Check one item ID`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), interruptSignals()...)
		defer stop()

		st, err := store.Open(home, store.WithLogger(logger))
		if err != nil {
			return err
		}
		defer st.Close()

		server := mcp.NewServer(st, version, mcp.WithLogger(logger))
		if err := server.Run(ctx); err != nil {
			// Don't report context canceled as an error
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("MCP server error: %w", err)
		}
		return nil
	},
}
