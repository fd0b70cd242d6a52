package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var apiData string

var apiCmd = &cobra.Command{
	Use:   "api METHOD PATH",
	Short: "Call an admin API endpoint with the current session",
	Long: `Send an authenticated request and print the JSON response. Expired access
tokens are refreshed transparently. --data takes a JSON body, or @file to read
one from disk.

Examples:
  brokerdesk api GET /admin/users
  brokerdesk api GET '/admin/withdrawals?status=pending'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
			return runAPI(ctx, rt, cmd.OutOrStdout(), args[0], args[1], apiData)
		})
	},
}

func init() {
	rootCmd.AddCommand(apiCmd)
	apiCmd.Flags().StringVarP(&apiData, "data", "d", "", "JSON request body, or @file")
}

func runAPI(ctx context.Context, rt *runtime, w io.Writer, method, path, data string) error {
	if err := requireSignedIn(rt); err != nil {
		return err
	}
	method = strings.ToUpper(method)
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var body any
	if data != "" {
		raw, err := readData(data)
		if err != nil {
			return err
		}
		if !json.Valid(raw) {
			return fmt.Errorf("--data is not valid JSON")
		}
		body = json.RawMessage(raw)
	}

	var out json.RawMessage
	if err := rt.api.Do(ctx, method, path, body, &out); err != nil {
		return err
	}
	if len(out) == 0 {
		if method != http.MethodGet {
			fmt.Fprintln(w, "OK")
		}
		return nil
	}
	var pretty any
	if err := json.Unmarshal(out, &pretty); err != nil {
		_, err = w.Write(out)
		return err
	}
	return writeJSONOutput(w, pretty)
}

func readData(data string) ([]byte, error) {
	name, ok := strings.CutPrefix(data, "@")
	if !ok {
		return []byte(data), nil
	}
	raw, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	return raw, nil
}
