package internal

import (
	"net/http"

	"rpcgateway/internal/handlers"
	"rpcgateway/internal/middlewares"
)

// Router mounts the public JSON-RPC ingress behind the standard
// middleware chain (spec.md's ambient A3: recovery, request-id,
// correlation-id, security headers, request logging, IP rate limiting).
type Router struct {
	handler http.Handler
}

func NewRouter(rpcHandler *handlers.RPCHandler, limiter *middlewares.RateLimiter) *Router {
	mux := http.NewServeMux()
	mux.Handle("/", rpcHandler)

	var h http.Handler = mux
	h = middlewares.RequestLog(h)
	h = middlewares.SecurityHeaders(h)
	if limiter != nil {
		h = limiter.Middleware(h)
	}
	h = middlewares.CorrelationID(h)
	h = middlewares.RequestID(h)
	h = middlewares.Recovery()(h)

	return &Router{handler: h}
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}
