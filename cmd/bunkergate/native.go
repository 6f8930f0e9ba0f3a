package main

import (
	"github.com/ggoodman/bunkergate/nativemsg"
	"github.com/spf13/cobra"
)

func newNativeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "native",
		Short: "Run as a native messaging host on stdin and stdout",
		Long: "native speaks length-prefixed JSON frames on stdin and stdout. The " +
			"extension on the other end opens approval windows on request. Logs go " +
			"to stderr.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			conn := nativemsg.NewConn(cmd.InOrStdin(), cmd.OutOrStdout(), nativemsg.WithLogger(c.log))

			a, err := c.wire(ctx, conn)
			if err != nil {
				return err
			}
			defer a.Close()

			return conn.Serve(ctx, a.router)
		},
	}
}
