// Package api exposes the orchestration core over HTTP. Handlers translate
// requests into scheduler, registry, event stream and provider router calls
// and map the core's error taxonomy onto status codes. Task events are
// delivered over WebSocket.
package api
