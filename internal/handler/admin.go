package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/quizgrader/internal/attempt"
	appI18n "github.com/pavelanni/quizgrader/internal/i18n"
	"github.com/pavelanni/quizgrader/internal/model"
	"github.com/pavelanni/quizgrader/internal/store"
)

const maxUploadBytes = 10 << 20

type createUserRequest struct {
	Username    string `json:"username" validate:"required,max=64"`
	DisplayName string `json:"display_name" validate:"max=128"`
	Password    string `json:"password" validate:"required,min=6"`
	Role        string `json:"role" validate:"omitempty,oneof=student admin"`
}

type uploadResponse struct {
	Message   string `json:"message"`
	Imported  int    `json:"imported"`
	Duplicate bool   `json:"duplicate"`
}

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers()
	if err != nil {
		h.internalError(w, r, "failed to list users", err)
		return
	}
	if users == nil {
		users = []model.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidBody")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		msgID := "ErrCredentialsRequired"
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 && ve[0].Field() == "Role" {
			msgID = "ErrInvalidRole"
		}
		writeError(w, r, http.StatusBadRequest, msgID)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		h.internalError(w, r, "failed to hash password", err)
		return
	}

	role := model.UserRole(req.Role)
	if role == "" {
		role = model.UserRoleStudent
	}
	displayName := req.DisplayName
	if displayName == "" {
		displayName = req.Username
	}

	id, err := h.store.CreateUser(model.User{
		Username:     req.Username,
		DisplayName:  displayName,
		PasswordHash: string(hash),
		Role:         role,
		Active:       true,
	})
	if errors.Is(err, store.ErrConflict) {
		writeError(w, r, http.StatusConflict, "ErrUserExists")
		return
	}
	if err != nil {
		h.internalError(w, r, "failed to create user", err)
		return
	}

	user, err := h.store.GetUserByID(id)
	if err != nil || user == nil {
		h.internalError(w, r, "failed to load created user", err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (h *Handler) handleToggleUserActive(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidUserID")
		return
	}

	if err := h.store.ToggleUserActive(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "ErrUserNotFound")
			return
		}
		h.internalError(w, r, "failed to toggle user active", err)
		return
	}

	user, err := h.store.GetUserByID(id)
	if err != nil || user == nil {
		h.internalError(w, r, "failed to load user", err)
		return
	}
	slog.Info("toggled user", "id", id, "active", user.Active)
	writeJSON(w, http.StatusOK, user)
}

// handleUploadQuizzes imports a quiz file sent as multipart field
// quiz_file. Re-uploading identical content under the same file name is
// reported as a duplicate and changes nothing.
func (h *Handler) handleUploadQuizzes(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrFileMissing")
		return
	}

	file, header, err := r.FormFile("quiz_file")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrFileMissing")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.internalError(w, r, "failed to read upload", err)
		return
	}

	n, err := h.store.ImportQuizFile(r.Context(), header.Filename, data)
	switch {
	case errors.Is(err, store.ErrAlreadyImported):
		writeJSON(w, http.StatusOK, uploadResponse{
			Message:   appI18n.T(r.Context(), "UploadDuplicate"),
			Duplicate: true,
		})
		return
	case errors.Is(err, store.ErrConflict):
		writeError(w, r, http.StatusConflict, "ErrQuizExists")
		return
	case errors.Is(err, model.ErrInvalidQuiz):
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: appI18n.Td(r.Context(), "ErrInvalidQuiz", map[string]any{"Reason": err.Error()}),
		})
		return
	case err != nil:
		h.internalError(w, r, "failed to import quizzes", err)
		return
	}

	slog.Info("uploaded quizzes via admin", "filename", header.Filename, "count", n)
	writeJSON(w, http.StatusCreated, uploadResponse{
		Message:  appI18n.Tp(r.Context(), "QuizzesImported", n),
		Imported: n,
	})
}

func (h *Handler) handleDeleteAttempt(w http.ResponseWriter, r *http.Request) {
	err := h.attempts.Delete(r.Context(), chi.URLParam(r, "attemptID"))
	if errors.Is(err, attempt.ErrAttemptNotFound) {
		writeError(w, r, http.StatusNotFound, "ErrAttemptNotFound")
		return
	}
	if err != nil {
		h.internalError(w, r, "failed to delete attempt", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
