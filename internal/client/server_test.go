package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/todosync/internal/middleware"
	"github.com/hitoshi/todosync/internal/model"
)

// fakeServer はAPIサーバーの認証・タスクエンドポイントを模したテスト用サーバー。
type fakeServer struct {
	*httptest.Server

	mu       sync.Mutex
	users    map[string]userResponse // email -> user
	sessions map[string]string       // session id -> email
	tasks    []taskResponse
	nextID   int
	events   chan string
	lastBody map[string]any
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	s := &fakeServer{
		users:    map[string]userResponse{"a@b.com": {ID: "u1", Email: "a@b.com"}},
		sessions: make(map[string]string),
		events:   make(chan string, 16),
	}

	r := chi.NewRouter()
	r.Use(s.csrf)
	r.Get("/api/csrf-token", s.csrfToken)
	r.Post("/auth/register", s.register)
	r.Post("/auth/login", s.login)
	r.Post("/auth/logout", s.logout)
	r.Get("/auth/me", s.me)
	r.Group(func(r chi.Router) {
		r.Use(s.requireSession)
		r.Post("/api/tasks", s.createTask)
		r.Patch("/api/tasks/{id}", s.updateTask)
		r.Delete("/api/tasks/{id}", s.deleteTask)
		r.Get("/api/tasks/stream", s.stream)
	})

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// addSession はemailのユーザーでサインイン済みのセッションを作成する。
func (s *fakeServer) addSession(id, email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = email
}

func (s *fakeServer) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *fakeServer) lastPatch() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBody
}

func (s *fakeServer) csrf(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isMutating(r.Method) {
			ck, err := r.Cookie(csrfCookieName)
			if err != nil || ck.Value == "" || ck.Value != r.Header.Get(csrfHeaderName) {
				writeError(w, http.StatusForbidden, &model.APIError{Code: csrfFailureCode, Message: "CSRF token validation failed"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *fakeServer) csrfToken(w http.ResponseWriter, r *http.Request) {
	token := "csrf-1"
	http.SetCookie(w, &http.Cookie{Name: csrfCookieName, Value: token, Path: "/"})
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *fakeServer) startSession(w http.ResponseWriter, email string) {
	s.mu.Lock()
	s.nextID++
	id := fmt.Sprintf("sess-%d", s.nextID)
	s.sessions[id] = email
	s.mu.Unlock()
	http.SetCookie(w, &http.Cookie{Name: middleware.SessionCookieName, Value: id, Path: "/", HttpOnly: true})
}

func (s *fakeServer) register(w http.ResponseWriter, r *http.Request) {
	var req credentials
	json.NewDecoder(r.Body).Decode(&req)

	s.mu.Lock()
	_, exists := s.users[req.Email]
	user := userResponse{ID: fmt.Sprintf("u%d", len(s.users)+1), Email: req.Email}
	if !exists {
		s.users[req.Email] = user
	}
	s.mu.Unlock()

	if exists {
		writeError(w, http.StatusConflict, model.NewAccountExistsError())
		return
	}
	s.startSession(w, req.Email)
	writeJSON(w, http.StatusCreated, user)
}

func (s *fakeServer) login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	json.NewDecoder(r.Body).Decode(&req)

	s.mu.Lock()
	user, ok := s.users[req.Email]
	s.mu.Unlock()

	if !ok || req.Password != "secret1" {
		writeError(w, http.StatusUnauthorized, model.NewInvalidCredentialsError())
		return
	}
	s.startSession(w, req.Email)
	writeJSON(w, http.StatusOK, user)
}

func (s *fakeServer) logout(w http.ResponseWriter, r *http.Request) {
	if ck, err := r.Cookie(middleware.SessionCookieName); err == nil {
		s.mu.Lock()
		delete(s.sessions, ck.Value)
		s.mu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{Name: middleware.SessionCookieName, Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusNoContent)
}

func (s *fakeServer) currentUser(r *http.Request) (userResponse, bool) {
	ck, err := r.Cookie(middleware.SessionCookieName)
	if err != nil {
		return userResponse{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	email, ok := s.sessions[ck.Value]
	if !ok {
		return userResponse{}, false
	}
	return s.users[email], true
}

func (s *fakeServer) me(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *fakeServer) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := s.currentUser(r); !ok {
			writeError(w, http.StatusUnauthorized, model.NewUnauthorizedError())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *fakeServer) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	json.NewDecoder(r.Body).Decode(&req)

	s.mu.Lock()
	s.nextID++
	task := taskResponse{ID: fmt.Sprintf("t%d", s.nextID), Text: req.Text, CreatedAt: time.Now().UTC()}
	s.tasks = append(s.tasks, task)
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, task)
}

func (s *fakeServer) updateTask(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	json.NewDecoder(r.Body).Decode(&body)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastBody = body
	for i := range s.tasks {
		if s.tasks[i].ID == chi.URLParam(r, "id") {
			if v, ok := body["completed"].(bool); ok {
				s.tasks[i].Completed = v
			}
			if v, ok := body["text"].(string); ok {
				s.tasks[i].Text = v
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	writeError(w, http.StatusNotFound, model.NewTaskNotFoundError(chi.URLParam(r, "id")))
}

func (s *fakeServer) deleteTask(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.tasks {
		if s.tasks[i].ID == chi.URLParam(r, "id") {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	writeError(w, http.StatusNotFound, model.NewTaskNotFoundError(chi.URLParam(r, "id")))
}

// stream はeventsに積まれたSSEフレームをそのまま書き出す。
func (s *fakeServer) stream(w http.ResponseWriter, r *http.Request) {
	flusher := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame := <-s.events:
			fmt.Fprint(w, frame)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, status, apiErr)
}
