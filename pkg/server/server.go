// Package server exposes the HTTP control surface: typed parameter setters,
// status/forecast/history queries and a websocket live feed.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/batcontrol/batcontrol/pkg/core"
	"github.com/batcontrol/batcontrol/pkg/log"
	"github.com/batcontrol/batcontrol/pkg/storage"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"
	"github.com/rs/cors"
)

// tokenVerifier validates a bearer ID token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// Server handles the HTTP API for the controller.
type Server struct {
	core *core.Core
	db   storage.Database
	hub  *Hub

	listenAddr  string
	corsOrigins []string
	verifier    tokenVerifier
	bypassAuth  bool

	httpServer *http.Server
}

// Configured initializes the Server. It uses lflag to register command-line
// flags for configuration; the core is attached later, once the site config
// is loaded.
func Configured() *Server {
	srv := &Server{
		hub: NewHub(),
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	corsOrigins := lflag.String("cors-origins", "", "comma-delimited list of allowed CORS origins, empty disables CORS")
	oidcIssuer := lflag.String("oidc-issuer", "", "OIDC issuer URL for bearer auth, empty disables auth")
	oidcAudience := lflag.String("oidc-audience", "", "audience/client ID to validate on bearer tokens")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		if *corsOrigins != "" {
			for _, o := range strings.Split(*corsOrigins, ",") {
				srv.corsOrigins = append(srv.corsOrigins, strings.TrimSpace(o))
			}
		}
		if *oidcIssuer != "" {
			provider, err := oidc.NewProvider(context.Background(), *oidcIssuer)
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize OIDC provider", slog.Any("error", err))
				os.Exit(1)
			}
			srv.verifier = provider.Verifier(&oidc.Config{ClientID: *oidcAudience}).Verify
		} else {
			srv.bypassAuth = true
		}
	})

	return srv
}

// Attach wires the server to the running core and its storage. Must be
// called before Run.
func (s *Server) Attach(c *core.Core, db storage.Database) {
	s.core = c
	s.db = db
}

// Hub returns the websocket hub so the core can publish through it.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/mode", s.handleSetMode)
	apiMux.HandleFunc("POST /api/chargeRate", s.handleSetChargeRate)
	apiMux.HandleFunc("POST /api/alwaysAllowDischargeLimit", s.handleSetAlwaysAllowDischargeLimit)
	apiMux.HandleFunc("POST /api/maxChargingFromGridLimit", s.handleSetMaxChargingFromGridLimit)
	apiMux.HandleFunc("POST /api/minPriceDifference", s.handleSetMinPriceDifference)
	apiMux.HandleFunc("POST /api/minPriceDifferenceRel", s.handleSetMinPriceDifferenceRel)
	apiMux.HandleFunc("POST /api/productionOffset", s.handleSetProductionOffset)
	apiMux.HandleFunc("POST /api/dischargeBlocked", s.handleSetDischargeBlocked)
	apiMux.HandleFunc("POST /api/limitPVChargeRate", s.handleSetLimitPVChargeRate)
	apiMux.HandleFunc("GET /api/status", s.handleStatus)
	apiMux.HandleFunc("GET /api/forecast", s.handleForecast)
	apiMux.HandleFunc("GET /api/parameters", s.handleParameters)
	apiMux.HandleFunc("GET /api/history/decisions", s.handleHistoryDecisions)
	apiMux.HandleFunc("GET /api/history/prices", s.handleHistoryPrices)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authMiddleware(apiMux))
	mux.Handle("/ws", s.authMiddleware(http.HandlerFunc(s.handleWS)))
	mux.HandleFunc("/healthz", s.handleHealthz)

	var handler http.Handler = gziphandler.GzipHandler(mux)
	if len(s.corsOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins:   s.corsOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
		}).Handler(handler)
	}
	return handler
}

// Run starts the HTTP server and blocks until the context is canceled or an
// error occurs.
func (s *Server) Run(ctx context.Context) error {
	ctx = log.Component(ctx, "server")
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}
