package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relayd/internal/session"
	"relayd/pkg/types"
)

// ModelService is the model registry as seen by the HTTP layer.
type ModelService interface {
	List(ctx context.Context) ([]string, error)
	Pull(ctx context.Context, name string) error
	Evict(name string) bool
	Status() types.StatusResponse
	Ready() bool
}

// SessionAcceptor serves websocket connections.
type SessionAcceptor interface {
	Accept(w http.ResponseWriter, r *http.Request, model string)
	Count() int
}

const maxModelNameLen = session.MaxModelNameLen

func NewMux(models ModelService, sessions SessionAcceptor) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	// Websocket routes stay outside Compress, which cannot hijack.
	r.Get("/ws", handleWS(sessions, false))
	r.Get("/ws/*", handleWS(sessions, true))

	r.Group(func(r chi.Router) {
		r.Use(middleware.Compress(5))
		r.Use(middleware.RequestSize(maxBodyBytes))

		r.Get("/models", handleModels(models))
		r.Post("/pull/*", handlePull(models))
		r.Delete("/models/*", handleEvict(models))
		r.Get("/status", handleStatus(models, sessions))
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if models.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("loading"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	if swaggerEnabled {
		MountSwagger(r)
	}
	return r
}

// modelParam extracts the model name captured by a trailing wildcard.
func modelParam(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "*")
	name, err := url.PathUnescape(raw)
	if err != nil {
		return "", errors.New("invalid model name")
	}
	name = strings.TrimSpace(name)
	if len(name) > maxModelNameLen || strings.ContainsAny(name, "\x00\r\n") {
		return "", errors.New("invalid model name")
	}
	return name, nil
}

// handleWS godoc
// @Summary      Open a chat session
// @Description  Upgrades to a WebSocket. /ws/{model} binds the session to a model; /ws binds the default model, if any.
// @Tags         chat
// @Param        model  path  string  false  "Model name"
// @Success      101
// @Failure      400  {object}  types.ErrorResponse
// @Failure      503  {string}  string  "server shutting down"
// @Router       /ws/{model} [get]
func handleWS(sessions SessionAcceptor, bound bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		model := defaultModel
		if bound {
			name, err := modelParam(r)
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, err.Error())
				return
			}
			if name != "" {
				model = name
			}
		}
		sessions.Accept(w, r, model)
	}
}

// handleModels godoc
// @Summary      List models
// @Description  Backend catalog merged with loaded models, deduplicated and sorted.
// @Tags         models
// @Produce      json
// @Success      200  {object}  types.ModelsResponse
// @Router       /models [get]
func handleModels(models ModelService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		names, err := models.List(r.Context())
		if err != nil {
			// The catalog is best effort; loaded models are still reported.
			logOutcome(r, "list models", "", http.StatusOK, start, err)
		}
		if names == nil {
			names = []string{}
		}
		writeJSON(w, http.StatusOK, types.ModelsResponse{Models: names})
	}
}

// handlePull godoc
// @Summary      Pull a model
// @Description  Makes the model available locally. Concurrent pulls of one model share a single transfer.
// @Tags         models
// @Produce      json
// @Param        model  path  string  true  "Model name"
// @Success      200  {object}  types.PullResponse
// @Failure      400  {object}  types.ErrorResponse
// @Failure      500  {object}  types.ErrorResponse
// @Failure      504  {object}  types.ErrorResponse
// @Router       /pull/{model} [post]
func handlePull(models ModelService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		name, err := modelParam(r)
		if err == nil && name == "" {
			err = errors.New("model name is required")
		}
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		// Join server base context with request context so shutdown stops the wait too.
		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		if err := models.Pull(ctx, name); err != nil {
			if r.Context().Err() != nil {
				logOutcome(r, "pull", name, 0, start, err)
				return
			}
			status := statusFor(err)
			logOutcome(r, "pull", name, status, start, err)
			writeJSONError(w, status, "Failed to pull model "+name)
			return
		}
		logOutcome(r, "pull", name, http.StatusOK, start, nil)
		writeJSON(w, http.StatusOK, types.PullResponse{
			Status:  "success",
			Message: "Model " + name + " pulled successfully",
		})
	}
}

// handleEvict godoc
// @Summary      Unload a model
// @Description  Releases the loaded model; sessions still using it finish first.
// @Tags         models
// @Param        model  path  string  true  "Model name"
// @Success      204
// @Failure      404  {object}  types.ErrorResponse
// @Router       /models/{model} [delete]
func handleEvict(models ModelService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		name, err := modelParam(r)
		if err != nil || name == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid model name")
			return
		}
		if !models.Evict(name) {
			writeJSONError(w, http.StatusNotFound, "model "+name+" is not loaded")
			return
		}
		logOutcome(r, "evict", name, http.StatusNoContent, start, nil)
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleStatus godoc
// @Summary      Service status
// @Tags         status
// @Produce      json
// @Success      200  {object}  types.StatusResponse
// @Router       /status [get]
func handleStatus(models ModelService, sessions SessionAcceptor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := models.Status()
		st.Sessions = sessions.Count()
		writeJSON(w, http.StatusOK, st)
	}
}
