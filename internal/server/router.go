package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DevoteMe/webhookd/internal/config"
	"github.com/DevoteMe/webhookd/internal/event"
	"github.com/DevoteMe/webhookd/internal/ingest"
	"github.com/DevoteMe/webhookd/internal/log"
	"github.com/DevoteMe/webhookd/internal/provider"
	"github.com/DevoteMe/webhookd/internal/store"
)

type Ingester interface {
	Handle(ctx context.Context, p event.Provider, req *provider.Request) (ingest.Result, error)
}

type Admin interface {
	ListExhausted(ctx context.Context, p event.Provider, limit int) ([]store.Job, error)
	Requeue(ctx context.Context, p event.Provider, jobID int64) error
	GetEvent(ctx context.Context, p event.Provider, eventID uuid.UUID) (*store.AuditRecord, error)
}

// HealthCheck returns nil when a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Deps struct {
	Ingester Ingester
	Admin    Admin
	Health   map[string]HealthCheck
	// Trigger wakes local workers after a requeue. Optional.
	Trigger func(event.Provider)
}

type claimsKey struct{}

func SetupRouter(r *chi.Mux, cfg *config.Config, deps Deps, logger *log.Logger) {
	logger = logger.Named("http")
	publicBase, _ := url.Parse(cfg.PublicBaseURL)

	if cfg.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		for name, check := range deps.Health {
			if err := check(ctx); err != nil {
				logger.Error("Health check failed", zap.String("dependency", name), zap.Error(err))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "dependency": name})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(cfg.RateLimitPerMinute, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
		r.Post("/webhooks/{provider}", webhookHandler(deps.Ingester, publicBase, cfg.MaxBodyBytes, logger))
		// The email-marketing provider validates the callback URL with a GET
		// before it sends anything.
		r.Get("/webhooks/{provider}", func(w http.ResponseWriter, r *http.Request) {
			if chi.URLParam(r, "provider") != string(event.EmailMarketing) {
				w.Header().Set("Allow", http.MethodPost)
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			w.WriteHeader(http.StatusOK)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(authMiddleware(cfg.JWTSecret, logger))

		r.Get("/jobs/exhausted", func(w http.ResponseWriter, r *http.Request) {
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			if limit <= 0 || limit > 500 {
				limit = 50
			}
			providers := event.Providers()
			if name := r.URL.Query().Get("provider"); name != "" {
				p, ok := event.ParseProvider(name)
				if !ok {
					writeError(w, http.StatusBadRequest, "unknown provider")
					return
				}
				providers = []event.Provider{p}
			}
			out := []jobView{}
			for _, p := range providers {
				jobs, err := deps.Admin.ListExhausted(r.Context(), p, limit)
				if err != nil {
					logger.Error("Failed to list exhausted jobs", zap.String("provider", string(p)), zap.Error(err))
					writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
					return
				}
				for _, j := range jobs {
					out = append(out, newJobView(j))
				}
			}
			writeJSON(w, http.StatusOK, out)
		})

		r.Post("/jobs/{provider}/{id}/requeue", func(w http.ResponseWriter, r *http.Request) {
			p, ok := event.ParseProvider(chi.URLParam(r, "provider"))
			if !ok {
				writeError(w, http.StatusNotFound, "unknown provider")
				return
			}
			id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid job id")
				return
			}
			if err := deps.Admin.Requeue(r.Context(), p, id); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					writeError(w, http.StatusNotFound, "no exhausted job with that id")
					return
				}
				logger.Error("Failed to requeue job", zap.Int64("job_id", id), zap.Error(err))
				writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
				return
			}
			if deps.Trigger != nil {
				deps.Trigger(p)
			}
			logger.Info("Requeued exhausted job", zap.String("provider", string(p)), zap.Int64("job_id", id))
			writeJSON(w, http.StatusOK, map[string]bool{"requeued": true})
		})

		r.Get("/events/{provider}/{id}", func(w http.ResponseWriter, r *http.Request) {
			p, ok := event.ParseProvider(chi.URLParam(r, "provider"))
			if !ok {
				writeError(w, http.StatusNotFound, "unknown provider")
				return
			}
			id, err := uuid.Parse(chi.URLParam(r, "id"))
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid event id")
				return
			}
			rec, err := deps.Admin.GetEvent(r.Context(), p, id)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					writeError(w, http.StatusNotFound, "event not found")
					return
				}
				logger.Error("Failed to load event", zap.String("event_id", id.String()), zap.Error(err))
				writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
				return
			}
			writeJSON(w, http.StatusOK, rec)
		})
	})
}

func webhookHandler(ing Ingester, publicBase *url.URL, maxBody int64, logger *log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "provider")
		p, ok := event.ParseProvider(name)
		if !ok {
			logger.Warn("Webhook for unknown provider", zap.String("provider", name), zap.String("remote_addr", r.RemoteAddr))
			writeError(w, http.StatusNotFound, "not found")
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				logger.Warn("Webhook body too large", zap.String("provider", name), zap.String("remote_addr", r.RemoteAddr))
				writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
				return
			}
			writeError(w, http.StatusBadRequest, "malformed payload")
			return
		}

		req := &provider.Request{
			Body:       body,
			Header:     r.Header,
			URL:        externalURL(publicBase, r),
			ReceivedAt: time.Now().UTC(),
			RemoteAddr: r.RemoteAddr,
		}
		_, err = ing.Handle(r.Context(), p, req)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		case errors.Is(err, event.ErrUnknownProvider):
			writeError(w, http.StatusNotFound, "not found")
		case errors.Is(err, event.ErrAuthentication):
			writeError(w, http.StatusUnauthorized, "unauthorized")
		case errors.Is(err, event.ErrMalformedPayload):
			writeError(w, http.StatusBadRequest, "malformed payload")
		default:
			writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
		}
	}
}

// externalURL rebuilds the URL the provider called, as some signatures cover
// it. Without a configured public base the request's own host is used.
func externalURL(base *url.URL, r *http.Request) *url.URL {
	u := &url.URL{
		Scheme:   "http",
		Host:     r.Host,
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	}
	if r.TLS != nil {
		u.Scheme = "https"
	}
	if base != nil && base.Host != "" {
		u.Scheme = base.Scheme
		u.Host = base.Host
		if prefix := strings.TrimSuffix(base.Path, "/"); prefix != "" {
			u.Path = prefix + u.Path
			u.RawPath = ""
		}
	}
	return u
}

func authMiddleware(jwtSecret string, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := r.Header.Get("Authorization")
			if tokenStr == "" {
				logger.Warn("Missing authorization token", zap.String("remote_addr", r.RemoteAddr))
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			tokenStr = strings.TrimPrefix(tokenStr, "Bearer ")
			claims := &jwt.RegisteredClaims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(jwtSecret), nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !token.Valid {
				logger.Warn("Invalid JWT token", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type jobView struct {
	ID            int64           `json:"id"`
	Queue         string          `json:"queue"`
	Provider      event.Provider  `json:"provider"`
	EventID       uuid.UUID       `json:"event_id"`
	Attempt       int             `json:"attempt"`
	MaxAttempts   int             `json:"max_attempts"`
	Status        store.JobStatus `json:"status"`
	LastError     *string         `json:"last_error,omitempty"`
	FirstFailedAt *time.Time      `json:"first_failed_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

func newJobView(j store.Job) jobView {
	return jobView{
		ID:            j.ID,
		Queue:         j.Queue,
		Provider:      j.Provider,
		EventID:       j.EventID,
		Attempt:       j.Attempt,
		MaxAttempts:   j.MaxAttempts,
		Status:        j.Status,
		LastError:     j.LastError,
		FirstFailedAt: j.FirstFailedAt,
		FinishedAt:    j.FinishedAt,
		CreatedAt:     j.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
