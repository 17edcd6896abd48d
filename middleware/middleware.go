// Package middleware wraps the step that opens a backend call: resolving the client,
// building its transport and opening the stream. Interceptors live in the subpackages.
package middleware

import (
	"context"

	"github.com/sweetpotato0/ai-relay/llm"
	"github.com/sweetpotato0/ai-relay/provider"
)

// Operation names the backend call being opened.
type Operation string

const (
	OpChat       Operation = "chat"
	OpFIM        Operation = "fim"
	OpListModels Operation = "list_models"
)

// Context represents the middleware execution context
type Context struct {
	// Operation being opened
	Operation Operation

	// Provider is the resolved adapter
	Provider provider.Adapter

	// Request is nil for OpListModels
	Request *llm.Request

	// Settings used to build the client; interceptors may rewrite them
	Settings provider.Settings

	// Stream opened by the final handler (chat and fim)
	Stream provider.Stream

	// Models returned by the final handler (list_models)
	Models []llm.Model

	// Error from execution
	Error error

	// Metadata for passing data between middlewares
	Metadata map[string]any

	// Internal state
	context context.Context
}

// NewContext creates a new middleware context
func NewContext(ctx context.Context, op Operation, adapter provider.Adapter, req *llm.Request, settings provider.Settings) *Context {
	return &Context{
		Operation: op,
		Provider:  adapter,
		Request:   req,
		Settings:  settings,
		Metadata:  make(map[string]any),
		context:   ctx,
	}
}

// Context returns the underlying context.Context
func (c *Context) Context() context.Context {
	if c.context == nil {
		return context.Background()
	}
	return c.context
}

// ProviderName returns the adapter name, or "" when none is resolved yet.
func (c *Context) ProviderName() string {
	if c.Provider == nil {
		return ""
	}
	return c.Provider.Name()
}

// ModelName returns the requested model, or "" for list calls.
func (c *Context) ModelName() string {
	if c.Request == nil {
		return ""
	}
	return c.Request.ModelName
}

// Middleware defines the interface for middleware components
// Middlewares intercept the opening of a backend call
type Middleware interface {
	// Name returns the name of the middleware for logging and debugging
	Name() string

	// Execute runs the middleware logic
	// It receives the current context and a next handler to continue the chain
	// Returning error will stop the middleware chain
	Execute(ctx *Context, next Handler) error
}

// Handler is the function called to pass control to the next middleware
type Handler func(*Context) error

// MiddlewareChain represents a sequence of middleware to be executed
type MiddlewareChain struct {
	middlewares []Middleware
}

// NewChain creates a new middleware chain
func NewChain(middlewares ...Middleware) *MiddlewareChain {
	return &MiddlewareChain{
		middlewares: middlewares,
	}
}

// Add appends a middleware to the chain
func (c *MiddlewareChain) Add(m Middleware) *MiddlewareChain {
	c.middlewares = append(c.middlewares, m)
	return c
}

// Len returns the number of middlewares in the chain.
func (c *MiddlewareChain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.middlewares)
}

// Execute runs all middlewares in the chain
func (c *MiddlewareChain) Execute(ctx *Context, finalHandler Handler) error {
	if c == nil {
		return finalHandler(ctx)
	}
	err := c.executeMiddleware(ctx, 0, finalHandler)
	ctx.Error = err
	return err
}

// executeMiddleware recursively executes middlewares in sequence
func (c *MiddlewareChain) executeMiddleware(ctx *Context, index int, finalHandler Handler) error {
	if index >= len(c.middlewares) {
		// All middlewares executed, call the final handler
		return finalHandler(ctx)
	}

	// Create a handler for the next middleware
	nextHandler := func(ctx *Context) error {
		return c.executeMiddleware(ctx, index+1, finalHandler)
	}

	// Execute current middleware
	return c.middlewares[index].Execute(ctx, nextHandler)
}

// Func adapts a plain function into a named middleware.
func Func(name string, fn func(ctx *Context, next Handler) error) Middleware {
	return funcMiddleware{name: name, fn: fn}
}

type funcMiddleware struct {
	name string
	fn   func(ctx *Context, next Handler) error
}

func (m funcMiddleware) Name() string { return m.name }

func (m funcMiddleware) Execute(ctx *Context, next Handler) error { return m.fn(ctx, next) }
