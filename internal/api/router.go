// Package api exposes the HTTP surface over chi: state polling for the grid
// UI, run/step inspection, the PR feed, and the operator actions (re-emit,
// sync-now, auto-rebase config, the GitHub webhook).
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/donsqualo/clawdorio/internal/store"
)

// NewRouter builds the full chi router.
func NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(loopbackCORS)

	r.Get("/health", healthHandler)

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", getState)
		r.Get("/events", getEvents)
		r.Post("/feature/build", postFeatureBuild)
		r.Get("/runs", listRuns)
		r.Get("/runs/{runID}/steps", listRunSteps)
		r.Get("/pr-feed", getPRFeed)
		r.Get("/pr-feed/{runID}/files", getPRFeedFiles)
		r.Post("/prs/comment", postPRComment)
		r.Post("/workers/reemit", postWorkersReemit)
		r.Post("/bases/{baseID}/workers/reemit", postBaseWorkersReemit)
		r.Post("/bases/{baseID}/sync-now", postBaseSyncNow)
		r.Get("/bases/{baseID}/auto-rebase", getBaseAutoRebase)
		r.Patch("/bases/{baseID}/auto-rebase", patchBaseAutoRebase)
		r.Post("/github/webhook", postGitHubWebhook)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if err := store.DB.Ping(); err != nil {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// loopbackCORS allows only same-origin / loopback callers: the grid UI is a
// local single-operator tool, not a public API, so a permissive
// allow-everything CORS policy would be the wrong default.
func loopbackCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || isLoopbackOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopbackOrigin(origin string) bool {
	for _, prefix := range []string{
		"http://localhost:", "http://127.0.0.1:", "https://localhost:", "https://127.0.0.1:",
		"http://[::1]:", "https://[::1]:",
	} {
		if len(origin) >= len(prefix) && origin[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
