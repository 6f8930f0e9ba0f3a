package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/ggoodman/bunkergate/protocol"
	"github.com/ggoodman/bunkergate/router"
	"github.com/spf13/cobra"
)

// manage sends msg through the router as the management caller and prints
// the JSON response.
func (c *cli) manage(cmd *cobra.Command, msg *protocol.Message) error {
	ctx := cmd.Context()
	a, err := c.wire(ctx, noSurfaces{})
	if err != nil {
		return err
	}
	defer a.Close()

	resp := a.router.Handle(ctx, router.Sender{Kind: router.Manager}, msg)
	switch r := resp.(type) {
	case protocol.ErrorResponse:
		return errors.New(r.Error)
	case protocol.ConnectResult:
		if !r.Success {
			return errors.New(r.Error)
		}
	}
	return printJSON(cmd.OutOrStdout(), resp)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return nil
}

func newPolicyCmd(c *cli) *cobra.Command {
	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and revoke stored origin policies",
	}

	policyCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List every stored policy",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.manage(cmd, &protocol.Message{Type: protocol.PolicyListType})
			},
		},
		&cobra.Command{
			Use:   "remove <host> <operation>",
			Short: "Remove the policy for one operation on a host",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.manage(cmd, &protocol.Message{Type: protocol.PolicyRemoveType, Host: args[0], Method: args[1]})
			},
		},
		&cobra.Command{
			Use:   "remove-origin <host>",
			Short: "Remove every policy for a host",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.manage(cmd, &protocol.Message{Type: protocol.PolicyRemoveOriginType, Host: args[0]})
			},
		},
	)

	return policyCmd
}

func newSessionCmd(c *cli) *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Manage the remote signer session",
	}

	sessionCmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show the signer session, reconnecting from stored state if needed",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.manage(cmd, &protocol.Message{Type: protocol.SessionQueryType})
			},
		},
		&cobra.Command{
			Use:   "connect <bunker-uri|name@domain>",
			Short: "Connect to a remote signer and remember it",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.manage(cmd, &protocol.Message{Type: protocol.SessionConnectType, URI: args[0]})
			},
		},
		&cobra.Command{
			Use:   "disconnect",
			Short: "Drop the signer session and forget it",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.manage(cmd, &protocol.Message{Type: protocol.SessionDisconnectType})
			},
		},
	)

	return sessionCmd
}
