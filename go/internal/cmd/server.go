package main

import (
	"fmt"
	"net/http"

	"github.com/mcdev12/backbone/go/internal/health"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

func setupServer(cfg Config, services *Services) *http.Server {
	mux := http.NewServeMux()

	// Setup CORS middleware
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	// WebSocket event stream
	services.Gateway.Routes(mux)

	// Health and metrics
	mux.Handle("/health", services.Health)
	mux.Handle("/metrics", health.NewPrometheusExporter(services.Health))

	// Wrap with CORS
	handler := c.Handler(mux)

	return &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: h2c.NewHandler(handler, &http2.Server{}),
	}
}
