// Package api is the REST surface: user CRUD, login/OTP, password change.
// Every mutation funnels through the same store the realtime layer uses and
// notifies connected clients through the same hub.
package api

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/huddle-chat/huddle/internal/store"
	"github.com/huddle-chat/huddle/internal/ws"
)

var startTime = time.Now()

type HealthResponse struct {
	Status    string `json:"status"`
	Uptime    string `json:"uptime"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

// NewRouter wires the full HTTP surface: REST endpoints, the websocket
// upgrade endpoint, health, and metrics. Outside development the CORS origin
// list comes from CORS_ALLOWED_ORIGINS.
func NewRouter(st *store.Store, environment string) http.Handler {
	r := chi.NewRouter()

	hub := ws.NewHub()
	go hub.Run()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins(environment),
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Use(chimiddleware.SetHeader("Content-Type", "application/json"))

	r.Get("/health", handleHealth)
	r.Get("/", handleRoot)
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/ws", &ws.Handler{Hub: hub, Store: st})

	userHandler := &UserHandler{Store: st, Hub: hub}
	r.Get("/api/users", userHandler.ListUsers)
	r.Post("/api/users", userHandler.CreateUser)
	r.Put("/api/users/{id}", userHandler.UpdateUser)
	r.Patch("/api/users/{id}", userHandler.PatchUser)
	r.Delete("/api/users/{id}", userHandler.DeleteUser)

	authHandler := NewAuthHandler(st, hub)
	r.Post("/api/login", authHandler.Login)
	r.Post("/api/auth/otp/request", authHandler.RequestOTP)
	r.Post("/api/auth/change-password", authHandler.ChangePassword)

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Uptime:    time.Since(startTime).Round(time.Second).String(),
		Version:   getVersion(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	sendJSON(w, http.StatusOK, resp)
}

func handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	sendJSON(w, http.StatusOK, map[string]string{
		"name":   "Huddle",
		"health": "/health",
		"ws":     "/ws",
	})
}

// corsOrigins resolves the browser origin allow-list for the environment.
// Development stays wide open; elsewhere a comma-separated
// CORS_ALLOWED_ORIGINS narrows it, with the wildcard as the unset fallback.
func corsOrigins(environment string) []string {
	if environment == "development" {
		return []string{"*"}
	}

	raw := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if raw == "" {
		return []string{"*"}
	}

	var origins []string
	for _, candidate := range strings.Split(raw, ",") {
		if candidate = strings.TrimSpace(candidate); candidate != "" {
			origins = append(origins, candidate)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func getVersion() string {
	if v := os.Getenv("VERSION"); v != "" {
		return v
	}
	return "dev"
}

type errorResponse struct {
	Error string `json:"error"`
}

func sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
