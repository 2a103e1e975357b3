// Package api provides HTTP handlers for the viewer server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/keller-mark/viv/internal/channel"
	"github.com/keller-mark/viv/internal/geometry"
	"github.com/keller-mark/viv/internal/service"
	"github.com/keller-mark/viv/internal/view"
)

const (
	maxBodyBytes = 1 << 20

	defaultPreviewWait = 10 * time.Second
	maxPreviewWait     = time.Minute
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	CORSOrigins []string
	Log         *logrus.Entry
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Global endpoints (not dataset-scoped)
	r.Get("/api/datasets", datasetsHandler(cfg.Registry))
	r.Post("/api/pack", packHandler)

	// Dataset-scoped routes: /d/{dataset}/...
	r.Route("/d/{dataset}", func(r chi.Router) {
		r.Use(datasetMiddleware(cfg.Registry))

		r.Route("/api", func(r chi.Router) {
			r.Get("/metadata", metadataHandler)
			r.Post("/sessions", createSessionHandler(log))

			r.Route("/sessions/{session}", func(r chi.Router) {
				r.Use(sessionMiddleware)
				r.Get("/", sessionInfoHandler)
				r.Delete("/", deleteSessionHandler)
				r.Post("/viewstate", viewStateHandler)
				r.Get("/layers", layersHandler)
				r.Get("/views/{view}/preview.png", previewHandler(log))
			})
		})
	})

	return r
}

// Context keys for dataset service and session
type ctxKey string

const (
	datasetServiceKey ctxKey = "datasetService"
	sessionKey        ctxKey = "session"
)

// datasetMiddleware resolves the dataset from URL and injects the viewer service into context.
func datasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			svc := registry.Get(datasetID)
			if svc == nil {
				http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), datasetServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// sessionMiddleware resolves the session within the dataset.
func sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		svc := getDatasetService(r)
		if svc == nil {
			http.Error(w, "dataset service not found", http.StatusInternalServerError)
			return
		}
		sess, err := svc.Session(chi.URLParam(r, "session"))
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func getDatasetService(r *http.Request) *service.ViewerService {
	if svc, ok := r.Context().Value(datasetServiceKey).(*service.ViewerService); ok {
		return svc
	}
	return nil
}

func getSession(r *http.Request) *service.Session {
	if sess, ok := r.Context().Value(sessionKey).(*service.Session); ok {
		return sess
	}
	return nil
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrSessionNotFound), errors.Is(err, service.ErrViewNotFound):
		return http.StatusNotFound
	case errors.Is(err, channel.ErrConfiguration), errors.Is(err, geometry.ErrGeometry):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
			"title":    registry.Title(),
		}
		writeJSON(w, http.StatusOK, response)
	}
}

// packHandler packs channel settings into the fixed-width arrays a
// shader consumes.
func packHandler(w http.ResponseWriter, r *http.Request) {
	var params channel.Params
	if !decodeBody(w, r, &params) {
		return
	}
	packed, err := channel.Pack(params)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, packed)
}

func metadataHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}
	data, err := svc.MetadataJSON()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func createSessionHandler(log *logrus.Entry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc := getDatasetService(r)
		if svc == nil {
			http.Error(w, "dataset service not found", http.StatusInternalServerError)
			return
		}
		var req service.SessionRequest
		if r.ContentLength != 0 {
			if !decodeBody(w, r, &req) {
				return
			}
		}
		sess, err := svc.CreateSession(r.Context(), req)
		if err != nil {
			status := statusFor(err)
			if status == http.StatusInternalServerError {
				log.WithError(err).WithField("dataset", svc.DatasetID()).Error("Failed to create session")
			}
			http.Error(w, err.Error(), status)
			return
		}
		writeJSON(w, http.StatusCreated, sess.Info())
	}
}

func sessionInfoHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, getSession(r).Info())
}

func deleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if err := svc.DeleteSession(getSession(r).ID()); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// viewStateResponse reports which views an update moved and the
// resulting states.
type viewStateResponse struct {
	Changed []string              `json:"changed"`
	States  map[string]view.State `json:"states"`
}

func viewStateHandler(w http.ResponseWriter, r *http.Request) {
	sess := getSession(r)
	var u view.Update
	if !decodeBody(w, r, &u) {
		return
	}
	if u.OriginID == "" {
		http.Error(w, "missing origin view", http.StatusBadRequest)
		return
	}
	changed := sess.Dispatch(u)
	if changed == nil {
		changed = []string{}
	}
	writeJSON(w, http.StatusOK, viewStateResponse{
		Changed: changed,
		States:  sess.Info().States,
	})
}

func layersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"views": getSession(r).Layers(),
	})
}

// parseWait reads the preview wait bound in milliseconds.
func parseWait(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("wait")
	if raw == "" {
		return defaultPreviewWait, nil
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms < 0 {
		return 0, errors.New("invalid wait")
	}
	return min(time.Duration(ms)*time.Millisecond, maxPreviewWait), nil
}

func previewHandler(log *logrus.Entry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := getSession(r)
		wait, err := parseWait(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()

		viewID := chi.URLParam(r, "view")
		data, err := sess.Preview(ctx, viewID)
		if err != nil {
			status := statusFor(err)
			if status == http.StatusInternalServerError {
				log.WithError(err).WithFields(logrus.Fields{
					"session": sess.ID(),
					"view":    viewID,
				}).Error("Failed to render preview")
			}
			http.Error(w, err.Error(), status)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		w.Write(data)
	}
}
