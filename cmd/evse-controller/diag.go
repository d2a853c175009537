package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"evse-controller/internal/diag"
)

func newDiagCmd() *cobra.Command {
	var url, token string

	cmd := &cobra.Command{
		Use:   "diag [status|stats|pki_get <kind>]",
		Short: "Query a running controller over the diagnostic console",
		Args:  cobra.RangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			client, err := diag.Dial(ctx, url)
			if err != nil {
				return err
			}
			defer client.Close()

			if token == "" && term.IsTerminal(int(os.Stdin.Fd())) {
				fmt.Fprint(os.Stderr, "Token (empty for none): ")
				raw, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(os.Stderr)
				if err != nil {
					return fmt.Errorf("failed to read token: %w", err)
				}
				token = string(raw)
			}
			if token != "" {
				if err := call(client, diag.Request{Cmd: diag.CmdAuth, Token: token}); err != nil {
					return err
				}
			}

			req := diag.Request{Cmd: diag.CmdStatus}
			if len(args) > 0 {
				req.Cmd = args[0]
			}
			if len(args) > 1 {
				req.Kind = args[1]
			}
			return call(client, req)
		},
	}

	cmd.Flags().StringVar(&url, "url", "ws://localhost:8080"+diag.Path, "Console WebSocket URL")
	cmd.Flags().StringVar(&token, "token", "", "Access token (prompted when omitted)")
	return cmd
}

func call(client *diag.Client, req diag.Request) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("%s: %s", req.Cmd, resp.Error)
	}
	if len(resp.Data) == 0 {
		fmt.Printf("%s: ok\n", req.Cmd)
		return nil
	}
	var out bytes.Buffer
	if err := json.Indent(&out, resp.Data, "", "  "); err != nil {
		fmt.Println(string(resp.Data))
		return nil
	}
	fmt.Println(out.String())
	return nil
}
