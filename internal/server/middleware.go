package server

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

// createLoggingMiddleware creates middleware that logs all MCP method calls
func createLoggingMiddleware(logger *zap.Logger) mcp.Middleware {
	return func(next mcp.MethodHandler) mcp.MethodHandler {
		return func(
			ctx context.Context,
			method string,
			req mcp.Request,
		) (mcp.Result, error) {
			start := time.Now()
			log := logger.With(
				zap.String("session", req.GetSession().ID()),
				zap.String("method", method),
			)

			log.Debug("Request")

			result, err := next(ctx, method, req)

			duration := time.Since(start)
			if err != nil {
				log.Warn("Request failed", zap.Duration("duration", duration), zap.Error(err))
			} else {
				log.Info("Request completed", zap.Duration("duration", duration))
			}

			return result, err
		}
	}
}
