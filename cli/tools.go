package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mantleworks/toolgate/provider"
)

const defaultServerURL = "http://127.0.0.1:8000"

// NewToolsCmd creates the "tools" subcommand.
func NewToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List tools exposed by a running server",
		RunE:  runTools,
	}
	cmd.Flags().String("server", defaultServerURL, "Base URL of the toolset server")
	return cmd
}

func runTools(cmd *cobra.Command, _ []string) error {
	var listing struct {
		Tools []struct {
			Name        string `json:"name"`
			Kind        string `json:"kind"`
			Description string `json:"description"`
		} `json:"tools"`
	}
	if err := clientGet(cmd, "/tools", &listing); err != nil {
		return err
	}

	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "NAME\tKIND\tDESCRIPTION")
	for _, tool := range listing.Tools {
		description := strings.TrimSpace(tool.Description)
		if description == "" {
			description = "-"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\n", tool.Name, tool.Kind, description)
	}
	return writer.Flush()
}

// NewAddCmd creates the "add" subcommand.
func NewAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <config.json>",
		Short: "Connect an MCP provider on a running server",
		Args:  cobra.ExactArgs(1),
		RunE:  runAdd,
	}
	cmd.Flags().String("server", defaultServerURL, "Base URL of the toolset server")
	return cmd
}

func runAdd(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0]) // #nosec G304 -- CLI path argument.
	if err != nil {
		return exitError(exitValidation, "reading config: %v", err)
	}

	var result provider.AddResult
	if err := clientPost(cmd, "/addMCP", data, &result); err != nil {
		return err
	}

	if result.Status != provider.StatusSuccess && result.Status != provider.StatusCached {
		return exitError(exitRuntime, "%s", result.Message)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s (id=%s)\n", result.Message, result.Identifier)
	names := make([]string, 0, len(result.Tools))
	for name := range result.Tools {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s_%s\n", result.Identifier, name)
	}
	return nil
}

// NewCloseCmd creates the "close" subcommand.
func NewCloseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "close <identifier>",
		Short: "Close a provider connection on a running server",
		Args:  cobra.ExactArgs(1),
		RunE:  runClose,
	}
	cmd.Flags().String("server", defaultServerURL, "Base URL of the toolset server")
	return cmd
}

func runClose(cmd *cobra.Command, args []string) error {
	body, err := json.Marshal(map[string]string{"config_hash": args[0]})
	if err != nil {
		return exitError(exitRuntime, "encoding request: %v", err)
	}

	var result provider.CloseResult
	if err := clientPost(cmd, "/close", body, &result); err != nil {
		return err
	}

	if !result.Closed {
		return exitError(exitValidation, "%s", result.Message)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Closed %s\n", result.Identifier)
	return nil
}

func clientURL(cmd *cobra.Command, path string) string {
	server, _ := cmd.Flags().GetString("server")
	base := strings.TrimRight(strings.TrimSpace(server), "/")
	if base == "" {
		base = defaultServerURL
	}
	return base + path
}

func clientGet(cmd *cobra.Command, path string, target any) error {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, clientURL(cmd, path), nil)
	if err != nil {
		return exitError(exitRuntime, "building request: %v", err)
	}
	return doClientRequest(req, target)
}

func clientPost(cmd *cobra.Command, path string, body []byte, target any) error {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, clientURL(cmd, path), bytes.NewReader(body))
	if err != nil {
		return exitError(exitRuntime, "building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return doClientRequest(req, target)
}

func doClientRequest(req *http.Request, target any) error {
	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return exitError(exitTransport, "contacting server: %v", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return exitError(exitTransport, "reading response: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error.Message != "" {
			return exitError(exitRuntime, "server rejected request: %s (%s)", envelope.Error.Message, envelope.Error.Code)
		}
		return exitError(exitRuntime, "server returned status %d", resp.StatusCode)
	}

	if err := json.Unmarshal(data, target); err != nil {
		return exitError(exitRuntime, "decoding response: %v", err)
	}
	return nil
}
