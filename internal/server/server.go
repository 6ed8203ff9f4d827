package server

import (
	"net/http"

	"connectrpc.com/connect"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/encacl/internal/auth"
	"github.com/wolfeidau/encacl/internal/coprocessor/service"
	"github.com/wolfeidau/encacl/internal/events"
	httpmw "github.com/wolfeidau/encacl/internal/http"
	"github.com/wolfeidau/encacl/internal/logger"
	"github.com/wolfeidau/encacl/internal/registry"
	"github.com/wolfeidau/encacl/internal/rpc"
)

// Option configures a Server.
type Option func(*Server)

// WithCoprocessorService also serves the dev coprocessor.
func WithCoprocessorService(svc *service.Service) Option {
	return func(s *Server) { s.coprocessor = svc }
}

// WithInterceptors adds connect interceptors to every service, after the
// request logger.
func WithInterceptors(interceptors ...connect.Interceptor) Option {
	return func(s *Server) { s.interceptors = append(s.interceptors, interceptors...) }
}

// WithTrustProxyHeaders takes the client address from X-Forwarded-For and
// X-Real-IP.
func WithTrustProxyHeaders(trust bool) Option {
	return func(s *Server) { s.clientIP.TrustProxyHeaders = trust }
}

// Server wraps the HTTP server and registry services
type Server struct {
	registryServer *RegistryServer
	coprocessor    *service.Service
	verifier       *auth.Verifier
	interceptors   []connect.Interceptor
	clientIP       httpmw.ClientIPConfig
}

// NewServer creates a server for reg, streaming events from eventLog and
// authenticating callers with verifier.
func NewServer(reg *registry.Registry, eventLog *events.Log, verifier *auth.Verifier, opts ...Option) *Server {
	s := &Server{
		registryServer: NewRegistryServer(reg, eventLog),
		verifier:       verifier,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler for the server
func (s *Server) Handler(log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint for load balancer
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	interceptors := append([]connect.Interceptor{logger.NewConnectRequests(log)}, s.interceptors...)

	registryPath, registryHandler := rpc.NewRegistryServiceHandler(
		s.registryServer,
		connect.WithInterceptors(interceptors...),
	)
	mux.Handle(registryPath, registryHandler)

	if s.coprocessor != nil {
		coprocessorPath, coprocessorHandler := rpc.NewCoprocessorServiceHandler(
			s.coprocessor,
			connect.WithInterceptors(interceptors...),
		)
		mux.Handle(coprocessorPath, coprocessorHandler)
	}

	return httpmw.ClientIPMiddleware(s.clientIP)(s.verifier.Middleware().Wrap(mux))
}
