// Package appctx carries the request-scoped zerolog.Logger on a
// context.Context, mirroring reva's pkg/appctx.
package appctx

import (
	"context"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

type ctxKey struct{}

// WithLogger returns a copy of ctx carrying log as its logger.
func WithLogger(ctx context.Context, log *zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, log)
}

// GetLogger returns the logger stored in ctx, or the global zerolog logger
// if none was stored.
func GetLogger(ctx context.Context) *zerolog.Logger {
	if log, ok := ctx.Value(ctxKey{}).(*zerolog.Logger); ok {
		return log
	}
	return &zlog.Logger
}
