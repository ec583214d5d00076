package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/pavelanni/quizgrader/internal/attempt"
	appI18n "github.com/pavelanni/quizgrader/internal/i18n"
	"github.com/pavelanni/quizgrader/internal/model"
	"github.com/pavelanni/quizgrader/internal/store"
)

const maxBodyBytes = 1 << 20

// Config holds HTTP-level settings.
type Config struct {
	SecureCookies bool
	SessionTTL    time.Duration
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store    *store.Store
	attempts *attempt.Service
	config   Config
	validate *validator.Validate
}

// New creates a new Handler.
func New(s *store.Store, a *attempt.Service, cfg Config) *Handler {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = store.DefaultSessionTTL
	}
	return &Handler{store: s, attempts: a, config: cfg, validate: validator.New()}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(appI18n.Middleware)
		r.Post("/login", h.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAuth)
			r.Post("/logout", h.handleLogout)

			r.Get("/quizzes", h.handleListQuizzes)
			r.Get("/quizzes/{quizID}", h.handleGetQuiz)
			r.Get("/quizzes/{quizID}/stats", h.handleQuizStats)
			r.Post("/quizzes/{quizID}/attempts", h.handleSubmitAttempt)

			r.Post("/attempts", h.handleSubmitAttempt)
			r.Get("/attempts", h.handleListAttempts)
			r.Get("/attempts/{attemptID}", h.handleGetAttempt)

			r.Route("/admin", func(r chi.Router) {
				r.Use(requireRole(model.UserRoleAdmin))
				r.Get("/users", h.handleListUsers)
				r.Post("/users", h.handleCreateUser)
				r.Post("/users/{userID}/toggle", h.handleToggleUserActive)
				r.Post("/quizzes", h.handleUploadQuizzes)
				r.Delete("/attempts/{attemptID}", h.handleDeleteAttempt)
			})
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		slog.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleListQuizzes(w http.ResponseWriter, r *http.Request) {
	quizzes, err := h.store.ListQuizzes(r.Context())
	if err != nil {
		h.internalError(w, r, "failed to list quizzes", err)
		return
	}
	if quizzes == nil {
		quizzes = []model.QuizSummary{}
	}
	writeJSON(w, http.StatusOK, quizzes)
}

// handleGetQuiz returns a quiz for taking. Answer keys and explanations
// are never serialized.
func (h *Handler) handleGetQuiz(w http.ResponseWriter, r *http.Request) {
	quiz, err := h.store.GetQuiz(r.Context(), chi.URLParam(r, "quizID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "ErrQuizNotFound")
		return
	}
	if err != nil {
		h.internalError(w, r, "failed to get quiz", err)
		return
	}
	writeJSON(w, http.StatusOK, quiz)
}

func (h *Handler) handleQuizStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.attempts.QuizStats(r.Context(), chi.URLParam(r, "quizID"))
	if errors.Is(err, attempt.ErrQuizNotFound) {
		writeError(w, r, http.StatusNotFound, "ErrQuizNotFound")
		return
	}
	if err != nil {
		h.internalError(w, r, "failed to compute quiz stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleSubmitAttempt grades a submission. On the nested route the quiz id
// comes from the path and a body quizId, if given, must agree with it.
func (h *Handler) handleSubmitAttempt(w http.ResponseWriter, r *http.Request) {
	var req attempt.SubmitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Debug("invalid submission body", "error", err)
		writeError(w, r, http.StatusBadRequest, "ErrInvalidBody")
		return
	}
	if quizID := chi.URLParam(r, "quizID"); quizID != "" {
		if req.QuizID != "" && req.QuizID != quizID {
			writeError(w, r, http.StatusBadRequest, "ErrQuizIDMismatch")
			return
		}
		req.QuizID = quizID
	}

	user := model.UserFromContext(r.Context())
	resp, err := h.attempts.Submit(r.Context(), user.ID, req)
	switch {
	case errors.Is(err, attempt.ErrInvalidRequest):
		slog.Debug("invalid submission", "error", err)
		writeError(w, r, http.StatusBadRequest, "ErrInvalidBody")
		return
	case errors.Is(err, attempt.ErrQuizNotFound):
		writeError(w, r, http.StatusNotFound, "ErrQuizNotFound")
		return
	case err != nil:
		h.internalError(w, r, "failed to submit attempt", err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// handleListAttempts lists the caller's attempts. Admins may list another
// user's attempts with ?user_id=.
func (h *Handler) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	userID := user.ID
	if raw := r.URL.Query().Get("user_id"); raw != "" && user.Role == model.UserRoleAdmin {
		id, err := parseID(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "ErrInvalidUserID")
			return
		}
		userID = id
	}

	attempts, err := h.attempts.ListForUser(r.Context(), userID, r.URL.Query().Get("quiz_id"))
	if err != nil {
		h.internalError(w, r, "failed to list attempts", err)
		return
	}
	if attempts == nil {
		attempts = []model.QuizAttempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

// handleGetAttempt returns one attempt. Other users' attempts are reported
// as missing unless the caller is an admin.
func (h *Handler) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	a, err := h.attempts.Get(r.Context(), chi.URLParam(r, "attemptID"))
	if errors.Is(err, attempt.ErrAttemptNotFound) {
		writeError(w, r, http.StatusNotFound, "ErrAttemptNotFound")
		return
	}
	if err != nil {
		h.internalError(w, r, "failed to get attempt", err)
		return
	}
	user := model.UserFromContext(r.Context())
	if a.UserID != user.ID && user.Role != model.UserRoleAdmin {
		writeError(w, r, http.StatusNotFound, "ErrAttemptNotFound")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	slog.Error(msg, "path", r.URL.Path, "error", err)
	writeError(w, r, http.StatusInternalServerError, "ErrInternal")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError writes a localized {"error": msg} body.
func writeError(w http.ResponseWriter, r *http.Request, status int, msgID string) {
	writeJSON(w, status, errorResponse{Error: appI18n.T(r.Context(), msgID)})
}
