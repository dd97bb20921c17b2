// Package middleware provides the HTTP request pipeline: request
// identity, authentication, role authorization and CSRF protection.
package middleware

import "net/http"

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Pipeline is an explicit ordered list of middleware stages. Stages run
// in the order they were appended; each either passes the (possibly
// updated) request to the next stage or terminates with a response.
type Pipeline struct {
	stages []Middleware
}

// NewPipeline creates a pipeline with the given stages.
func NewPipeline(stages ...Middleware) *Pipeline {
	return &Pipeline{stages: stages}
}

// Use appends stages to the pipeline.
func (p *Pipeline) Use(stages ...Middleware) *Pipeline {
	p.stages = append(p.stages, stages...)
	return p
}

// Then wraps the final handler with every stage, first stage outermost.
func (p *Pipeline) Then(handler http.Handler) http.Handler {
	if handler == nil {
		handler = http.DefaultServeMux
	}
	for i := len(p.stages) - 1; i >= 0; i-- {
		handler = p.stages[i](handler)
	}
	return handler
}

// ThenFunc is Then for handler funcs.
func (p *Pipeline) ThenFunc(fn http.HandlerFunc) http.Handler {
	return p.Then(fn)
}
