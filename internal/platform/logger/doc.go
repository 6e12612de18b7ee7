// Package logger builds the JSON slog logger used by the server and CLI and
// carries request-scoped loggers through a context.Context.
//
// HTTP middleware attaches trace_id and principal with WithLogger; stores
// read the enriched logger back with FromContext.
package logger
