package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/quizgrader/internal/attempt"
	"github.com/pavelanni/quizgrader/internal/grading"
	appI18n "github.com/pavelanni/quizgrader/internal/i18n"
	"github.com/pavelanni/quizgrader/internal/llm"
	"github.com/pavelanni/quizgrader/internal/model"
	"github.com/pavelanni/quizgrader/internal/store"
)

type fakeEvaluator struct {
	eval  llm.Evaluation
	calls atomic.Int32
}

func (f *fakeEvaluator) Evaluate(context.Context, llm.ShortAnswer) llm.Evaluation {
	f.calls.Add(1)
	return f.eval
}

type testEnv struct {
	store   *store.Store
	router  chi.Router
	eval    *fakeEvaluator
	student string
	admin   string
	other   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	if err := appI18n.Init("en"); err != nil {
		t.Fatalf("i18n init: %v", err)
	}
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	quiz := model.Quiz{
		ID:           "bio",
		Title:        "Biology",
		PassingScore: 50,
		Questions: []model.Question{
			{ID: "q1", Prompt: "Pick A", Type: model.QuestionMultipleChoice, Options: []string{"A) one", "B) two"}, Key: model.ChoiceKey{Value: "A"}, Explanation: "A is correct"},
			{ID: "q2", Prompt: "Pick B", Type: model.QuestionMultipleChoice, Key: model.ChoiceKey{Value: "B"}, Explanation: "B is correct"},
			{ID: "q3", Prompt: "Explain osmosis", Type: model.QuestionShortAnswer, Key: model.ShortAnswerKey{Concept: "water crosses a membrane"}},
		},
	}
	if err := s.InsertQuiz(context.Background(), quiz); err != nil {
		t.Fatalf("InsertQuiz: %v", err)
	}

	env := &testEnv{store: s, eval: &fakeEvaluator{eval: llm.Evaluation{IsCorrect: true, Explanation: "well explained"}}}
	env.student = env.login(t, "student", model.UserRoleStudent)
	env.other = env.login(t, "other", model.UserRoleStudent)
	env.admin = env.login(t, "admin", model.UserRoleAdmin)

	pipeline := grading.NewPipeline(grading.NewGrader(env.eval), nil)
	h := New(s, attempt.NewService(s, pipeline), Config{})
	r := chi.NewRouter()
	h.Routes(r)
	env.router = r
	return env
}

// login creates a user with password "secret" and returns a session token.
func (e *testEnv) login(t *testing.T, username string, role model.UserRole) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	id, err := e.store.CreateUser(model.User{
		Username: username, DisplayName: username, PasswordHash: string(hash), Role: role, Active: true,
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	sess, err := e.store.CreateAuthSession(id, 0)
	if err != nil {
		t.Fatalf("CreateAuthSession: %v", err)
	}
	return sess.ID
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestSubmitAttempt(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/quizzes/bio/attempts", env.student,
		`{"answers": {"q1": "A", "q2": "C", "q3": "water moves"}, "timeSpent": 90}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[attempt.AttemptResponse](t, rec)
	if resp.ID == "" || resp.Score != 67 || !resp.Passed || resp.TimeSpent != 90 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if len(resp.Feedback) != 3 {
		t.Fatalf("expected 3 feedback entries, got %d", len(resp.Feedback))
	}
	if resp.Feedback[1].Correct || resp.Feedback[1].UserAnswer != "C" || resp.Feedback[1].Explanation != "B is correct" {
		t.Errorf("unexpected feedback[1]: %+v", resp.Feedback[1])
	}
	if resp.Feedback[2].Explanation != "well explained" {
		t.Errorf("unexpected feedback[2]: %+v", resp.Feedback[2])
	}

	// Raw JSON uses the documented field names.
	var raw map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &raw)
	for _, key := range []string{"id", "score", "passed", "timeSpent", "feedback"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("response missing %q", key)
		}
	}

	get := env.do(t, http.MethodGet, "/api/attempts/"+resp.ID, env.student, "")
	if get.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", get.Code)
	}
	if other := env.do(t, http.MethodGet, "/api/attempts/"+resp.ID, env.other, ""); other.Code != http.StatusNotFound {
		t.Errorf("expected 404 for another student, got %d", other.Code)
	}
	if admin := env.do(t, http.MethodGet, "/api/attempts/"+resp.ID, env.admin, ""); admin.Code != http.StatusOK {
		t.Errorf("expected 200 for admin, got %d", admin.Code)
	}
}

func TestSubmitAttemptFlatRoute(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/attempts", env.student,
		`{"quizId": "bio", "answers": {"q1": "A", "q2": "B"}, "timeSpent": 10}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[attempt.AttemptResponse](t, rec)
	if resp.Score != 100 {
		t.Errorf("expected score 100, got %d", resp.Score)
	}

	list := env.do(t, http.MethodGet, "/api/attempts", env.student, "")
	attempts := decodeBody[[]model.QuizAttempt](t, list)
	if len(attempts) != 1 || attempts[0].ID != resp.ID {
		t.Errorf("unexpected attempt list: %+v", attempts)
	}
	if others := decodeBody[[]model.QuizAttempt](t, env.do(t, http.MethodGet, "/api/attempts", env.other, "")); len(others) != 0 {
		t.Errorf("expected no attempts for another student, got %d", len(others))
	}
}

func TestSubmitAttemptFractionalTime(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
		want float64
	}{
		{"fractional", `{"answers": {"q1": "A"}, "timeSpent": 12.5}`, 12.5},
		{"zero", `{"answers": {"q1": "A"}, "timeSpent": 0}`, 0},
		{"omitted", `{"answers": {"q1": "A"}}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/quizzes/bio/attempts", env.student, tt.body)
			if rec.Code != http.StatusCreated {
				t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
			}
			resp := decodeBody[attempt.AttemptResponse](t, rec)
			if resp.TimeSpent != tt.want {
				t.Errorf("timeSpent = %v, want %v", resp.TimeSpent, tt.want)
			}
			stored, err := env.store.GetAttempt(context.Background(), resp.ID)
			if err != nil {
				t.Fatalf("GetAttempt: %v", err)
			}
			if stored.TimeSpent != tt.want {
				t.Errorf("stored time_spent = %v, want %v", stored.TimeSpent, tt.want)
			}
		})
	}
}

func TestSubmitAttemptErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		path   string
		token  string
		body   string
		status int
		errMsg string
	}{
		{"unknown quiz", "/api/quizzes/nope/attempts", env.student, `{"answers": {}}`, http.StatusNotFound, "Quiz not found."},
		{"unknown quiz flat", "/api/attempts", env.student, `{"quizId": "nope", "answers": {}}`, http.StatusNotFound, "Quiz not found."},
		{"malformed json", "/api/quizzes/bio/attempts", env.student, `{"answers": `, http.StatusBadRequest, "Invalid request body."},
		{"wrong answer type", "/api/quizzes/bio/attempts", env.student, `{"answers": {"q1": 1}}`, http.StatusBadRequest, "Invalid request body."},
		{"missing answers", "/api/quizzes/bio/attempts", env.student, `{"timeSpent": 3}`, http.StatusBadRequest, "Invalid request body."},
		{"missing quiz id", "/api/attempts", env.student, `{"answers": {}}`, http.StatusBadRequest, "Invalid request body."},
		{"negative time", "/api/attempts", env.student, `{"quizId": "bio", "answers": {}, "timeSpent": -5}`, http.StatusBadRequest, "Invalid request body."},
		{"quiz id mismatch", "/api/quizzes/bio/attempts", env.student, `{"quizId": "chem", "answers": {}}`, http.StatusBadRequest, "Quiz id in the body does not match the URL."},
		{"no token", "/api/attempts", "", `{"quizId": "bio", "answers": {}}`, http.StatusUnauthorized, "Authentication required."},
		{"bad token", "/api/attempts", "bogus", `{"quizId": "bio", "answers": {}}`, http.StatusUnauthorized, "Authentication required."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, tt.path, tt.token, tt.body)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if got := decodeBody[errorResponse](t, rec).Error; got != tt.errMsg {
				t.Errorf("error = %q, want %q", got, tt.errMsg)
			}
		})
	}

	list, err := env.store.ListAttempts(context.Background(), store.AttemptFilter{})
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("failed submissions must not be recorded, got %d", len(list))
	}
}

func TestSubmitAttemptEvaluatorUnreachable(t *testing.T) {
	env := newTestEnv(t)
	env.eval.eval = llm.FallbackEvaluation()

	rec := env.do(t, http.MethodPost, "/api/quizzes/bio/attempts", env.student,
		`{"answers": {"q1": "A", "q2": "B", "q3": "water moves"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[attempt.AttemptResponse](t, rec)
	if resp.Score != 67 {
		t.Errorf("expected score 67, got %d", resp.Score)
	}
	if fb := resp.Feedback[2]; fb.Correct || fb.Explanation != llm.FallbackExplanation {
		t.Errorf("unexpected short-answer feedback: %+v", fb)
	}
}

func TestSubmitAttemptLocalized(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/quizzes/nope/attempts", strings.NewReader(`{"answers": {}}`))
	req.Header.Set("Authorization", "Bearer "+env.student)
	req.Header.Set("Accept-Language", "ru")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if got := decodeBody[errorResponse](t, rec).Error; got != "Тест не найден." {
		t.Errorf("error = %q", got)
	}
}

func TestQuizRoutes(t *testing.T) {
	env := newTestEnv(t)

	list := decodeBody[[]model.QuizSummary](t, env.do(t, http.MethodGet, "/api/quizzes", env.student, ""))
	if len(list) != 1 || list[0].ID != "bio" || list[0].NumQuestions != 3 {
		t.Errorf("unexpected quiz list: %+v", list)
	}

	rec := env.do(t, http.MethodGet, "/api/quizzes/bio", env.student, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, secret := range []string{"A is correct", "water crosses a membrane"} {
		if strings.Contains(body, secret) {
			t.Errorf("quiz response leaks %q: %s", secret, body)
		}
	}
	var served struct {
		Questions []map[string]any `json:"questions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &served); err != nil {
		t.Fatalf("decode quiz: %v", err)
	}
	if len(served.Questions) != 3 {
		t.Fatalf("expected 3 questions, got %d", len(served.Questions))
	}
	if opts, _ := served.Questions[0]["options"].([]any); len(opts) != 2 || opts[0] != "A) one" || opts[1] != "B) two" {
		t.Errorf("unexpected options for q1: %v", served.Questions[0]["options"])
	}
	if _, ok := served.Questions[2]["options"]; ok {
		t.Errorf("short-answer question should have no options: %v", served.Questions[2])
	}

	if rec := env.do(t, http.MethodGet, "/api/quizzes/nope", env.student, ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}

	env.do(t, http.MethodPost, "/api/attempts", env.student, `{"quizId": "bio", "answers": {"q1": "A", "q2": "B", "q3": "x"}}`)
	env.do(t, http.MethodPost, "/api/attempts", env.other, `{"quizId": "bio", "answers": {}}`)

	stats := decodeBody[model.QuizStats](t, env.do(t, http.MethodGet, "/api/quizzes/bio/stats", env.student, ""))
	if stats.Attempts != 2 || stats.PassRate != 0.5 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if rec := env.do(t, http.MethodGet, "/api/quizzes/nope/stats", env.student, ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestLoginLogout(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"ok", `{"username": "student", "password": "secret"}`, http.StatusOK},
		{"wrong password", `{"username": "student", "password": "nope"}`, http.StatusUnauthorized},
		{"unknown user", `{"username": "ghost", "password": "secret"}`, http.StatusUnauthorized},
		{"missing password", `{"username": "student"}`, http.StatusBadRequest},
		{"malformed", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/login", "", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
		})
	}

	rec := env.do(t, http.MethodPost, "/api/login", "", `{"username": "student", "password": "secret"}`)
	resp := decodeBody[loginResponse](t, rec)
	if resp.Token == "" || resp.User == nil || resp.User.Username != "student" {
		t.Fatalf("unexpected login response: %+v", resp)
	}
	if strings.Contains(rec.Body.String(), "$2a$") {
		t.Error("login response leaks the password hash")
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != sessionCookieName || cookies[0].Value != resp.Token || !cookies[0].HttpOnly {
		t.Fatalf("unexpected cookies: %+v", cookies)
	}

	// Cookie auth works the same as bearer auth.
	req := httptest.NewRequest(http.MethodGet, "/api/quizzes", nil)
	req.AddCookie(cookies[0])
	got := httptest.NewRecorder()
	env.router.ServeHTTP(got, req)
	if got.Code != http.StatusOK {
		t.Fatalf("expected 200 with cookie, got %d", got.Code)
	}

	if rec := env.do(t, http.MethodPost, "/api/logout", resp.Token, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/quizzes", resp.Token, ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 after logout, got %d", rec.Code)
	}
}

func TestAdminRoutes(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(t, http.MethodGet, "/api/admin/users", env.student, ""); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for student, got %d", rec.Code)
	}

	users := decodeBody[[]model.User](t, env.do(t, http.MethodGet, "/api/admin/users", env.admin, ""))
	if len(users) != 3 {
		t.Errorf("expected 3 users, got %d", len(users))
	}

	rec := env.do(t, http.MethodPost, "/api/admin/users", env.admin,
		`{"username": "dave", "password": "hunter22"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	dave := decodeBody[model.User](t, rec)
	if dave.Role != model.UserRoleStudent || dave.DisplayName != "dave" || !dave.Active {
		t.Errorf("unexpected user: %+v", dave)
	}

	createTests := []struct {
		name   string
		body   string
		status int
	}{
		{"duplicate", `{"username": "dave", "password": "hunter22"}`, http.StatusConflict},
		{"bad role", `{"username": "erin", "password": "hunter22", "role": "root"}`, http.StatusBadRequest},
		{"short password", `{"username": "erin", "password": "x"}`, http.StatusBadRequest},
	}
	for _, tt := range createTests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := env.do(t, http.MethodPost, "/api/admin/users", env.admin, tt.body); rec.Code != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
		})
	}

	// Deactivating a user revokes their sessions.
	student, _ := env.store.GetUserByUsername("student")
	rec = env.do(t, http.MethodPost, "/api/admin/users/"+itoa(student.ID)+"/toggle", env.admin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if decodeBody[model.User](t, rec).Active {
		t.Error("expected user to be inactive")
	}
	if rec := env.do(t, http.MethodGet, "/api/quizzes", env.student, ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for deactivated user, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/admin/users/9999/toggle", env.admin, ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/admin/users/abc/toggle", env.admin, ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestAdminDeleteAttempt(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/attempts", env.student, `{"quizId": "bio", "answers": {}}`)
	resp := decodeBody[attempt.AttemptResponse](t, rec)

	if rec := env.do(t, http.MethodDelete, "/api/admin/attempts/"+resp.ID, env.student, ""); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/api/admin/attempts/"+resp.ID, env.admin, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/api/admin/attempts/"+resp.ID, env.admin, ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestAdminUploadQuizzes(t *testing.T) {
	env := newTestEnv(t)

	upload := func(filename, content string) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("quiz_file", filename)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		fw.Write([]byte(content))
		mw.Close()

		req := httptest.NewRequest(http.MethodPost, "/api/admin/quizzes", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+env.admin)
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		return rec
	}

	content := `{"id": "chem", "title": "Chemistry", "passing_score": 70, "questions": [
		{"id": "q1", "prompt": "H2O is water", "type": "true_false", "correct_answer": true}
	]}`
	rec := upload("chem.json", content)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[uploadResponse](t, rec); got.Imported != 1 || got.Message != "1 quiz imported." {
		t.Errorf("unexpected upload response: %+v", got)
	}

	rec = upload("chem.json", content)
	if got := decodeBody[uploadResponse](t, rec); rec.Code != http.StatusOK || !got.Duplicate {
		t.Errorf("expected duplicate, got %d %+v", rec.Code, got)
	}

	if rec := upload("chem2.json", content); rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
	if rec := upload("bad.json", `{"id": "x", "passing_score": 500}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}

	// The imported quiz is gradeable right away.
	rec = env.do(t, http.MethodPost, "/api/quizzes/chem/attempts", env.student, `{"answers": {"q1": "true"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if resp := decodeBody[attempt.AttemptResponse](t, rec); resp.Score != 100 || !resp.Passed {
		t.Errorf("unexpected result: %+v", resp)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
