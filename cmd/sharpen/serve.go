package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yousuf/sharpen/internal/config"
	"github.com/yousuf/sharpen/internal/logging"
	"github.com/yousuf/sharpen/internal/server"
	"github.com/yousuf/sharpen/internal/symbolicator"
	"github.com/yousuf/sharpen/internal/workspace"
)

func newServeCmd(opts *options, stderr io.Writer) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve symbolication over MCP (streamable HTTP)",
		Long: `Serve starts an MCP server exposing the symbolicate_trace, resolve_frame and
list_modules tools for every root in the configuration file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return fail(exitUsage, "%w", err)
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if len(cfg.Roots) == 0 {
				return fail(exitUsage, "no roots configured")
			}

			logger, err := logging.NewWithWriter(stderr, cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return fail(exitUsage, "%w", err)
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := serve(ctx, cfg, logger); err != nil {
				return fail(exitUsage, "%w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config, \":3000\")")
	return cmd
}

// serve runs the MCP server until ctx is done
func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	fs := afero.NewOsFs()
	mgr := workspace.NewManager(cfg.Roots, func() (*symbolicator.Symbolicator, error) {
		return symbolicator.FromConfig(cfg, fs, logger.Named("symbolicator"))
	}, cfg.Server.Watch, logger.Named("workspace"))

	mcpServer := server.NewMCPServer(mgr, logger.Named("mcp"))
	handler := mcp.NewStreamableHTTPHandler(func(req *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr, err)
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Sharpen MCP server listening", zap.String("addr", ln.Addr().String()), zap.Strings("roots", mgr.Roots()))
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			_ = mgr.CloseAll()
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server shutdown error", zap.Error(err))
	}

	if err := mgr.CloseAll(); err != nil {
		logger.Warn("Error closing workspaces", zap.Error(err))
	}

	logger.Info("Server stopped")
	return nil
}
