package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ggoodman/bunkergate/httpapi"
	"github.com/ggoodman/bunkergate/internal/surfacetoken"
	"github.com/ggoodman/bunkergate/surface"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownGrace = 5 * time.Second

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and browser approval surfaces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ln, err := net.Listen("tcp", c.cfg.Listen)
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			return c.serve(cmd.Context(), ln)
		},
	}
}

// serve runs the daemon on ln until ctx ends.
func (c *cli) serve(ctx context.Context, ln net.Listener) error {
	tokens, err := surfacetoken.New([]byte(c.cfg.Surface.TokenSecret), surfacetoken.WithTTL(c.cfg.Surface.TokenTTL))
	if err != nil {
		_ = ln.Close()
		return err
	}
	bound := c.cfg
	bound.Listen = ln.Addr().String()
	hub, err := surface.New(bound.SurfaceURL(), tokens, c.opener,
		surface.WithAttachTimeout(c.cfg.Surface.AttachTimeout),
		surface.WithLogger(c.log),
	)
	if err != nil {
		_ = ln.Close()
		return err
	}

	a, err := c.wire(ctx, hub)
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer a.Close()
	hub.OnClosed(a.approvals.SurfaceClosed)

	api := httpapi.New(a.router, a.approvals, hub,
		httpapi.WithManagementToken(c.cfg.Management.Token),
		httpapi.WithBridgeOrigins(c.cfg.Bridge.Origins...),
		httpapi.WithLogger(c.log),
	)
	srv := &http.Server{
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.log.InfoContext(gctx, "serve.start", slog.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownGrace)
		defer cancel()
		c.log.InfoContext(shutdownCtx, "serve.stop")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
