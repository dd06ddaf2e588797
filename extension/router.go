// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

/*
Package extension implements a table driven router for extension and
vendor-specific TPM commands.
*/
package extension

import (
	"context"
	"sync"

	"github.com/canonical/go-tpm2-fifo"
)

// Handler handles one extension or vendor-specific command.
//
// On entry, the first commandSize bytes of buf contain the command payload
// and len(buf) is the space available for the response. The handler places
// its response at the start of buf and returns its size.
type Handler interface {
	HandleCommand(ctx context.Context, code fifo.VendorCommandCode, buf []byte, commandSize int) (responseSize int, rc fifo.VendorResponseCode)
}

// HandlerFunc adapts an ordinary function to a Handler.
type HandlerFunc func(ctx context.Context, code fifo.VendorCommandCode, buf []byte, commandSize int) (int, fifo.VendorResponseCode)

// HandleCommand implements [Handler.HandleCommand].
func (fn HandlerFunc) HandleCommand(ctx context.Context, code fifo.VendorCommandCode, buf []byte, commandSize int) (int, fifo.VendorResponseCode) {
	return fn(ctx, code, buf, commandSize)
}

// Router dispatches commands to the handler registered for each code. It
// implements fifo.ExtensionRouter.
type Router struct {
	log fifo.Logger

	mu       sync.RWMutex
	handlers map[fifo.VendorCommandCode]Handler
}

// NewRouter returns a new router with no handlers.
func NewRouter(logger fifo.Logger) *Router {
	return &Router{
		log:      logger.WithField("subsystem", "extension"),
		handlers: make(map[fifo.VendorCommandCode]Handler)}
}

// Register adds a handler for the specified code, replacing any existing
// handler.
func (r *Router) Register(code fifo.VendorCommandCode, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[code] = handler
}

// RegisterFunc adds a handler function for the specified code.
func (r *Router) RegisterFunc(code fifo.VendorCommandCode, fn HandlerFunc) {
	r.Register(code, fn)
}

// Len returns the number of registered handlers.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// RouteCommand implements [fifo.ExtensionRouter.RouteCommand]. Commands
// without a handler fail with VendorRCNoSuchCommand and an empty response.
func (r *Router) RouteCommand(ctx context.Context, code fifo.VendorCommandCode, buf []byte, commandSize int) (int, fifo.VendorResponseCode) {
	r.mu.RLock()
	handler, ok := r.handlers[code]
	r.mu.RUnlock()

	if !ok {
		r.log.Warnf("handler %d not found", code)
		return 0, fifo.VendorRCNoSuchCommand
	}

	n, rc := handler.HandleCommand(ctx, code, buf, commandSize)
	r.log.Debugf("extension command %d completed with %v (%d bytes)", code, rc, n)
	return n, rc
}
