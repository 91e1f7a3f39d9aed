package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/todosync/internal/middleware"
	"github.com/hitoshi/todosync/internal/model"
)

type mockUserService struct {
	withdrawFn func(ctx context.Context, userID string) error
}

func (m *mockUserService) Withdraw(ctx context.Context, userID string) error {
	if m.withdrawFn != nil {
		return m.withdrawFn(ctx, userID)
	}
	return nil
}

func TestUserHandler_Withdraw(t *testing.T) {
	tests := []struct {
		name        string
		userID      string
		serviceErr  error
		wantStatus  int
		wantCode    string
		wantCalled  bool
		wantCleared bool
	}{
		{
			name:        "削除してCookieを破棄する",
			userID:      "user-123",
			wantStatus:  http.StatusNoContent,
			wantCalled:  true,
			wantCleared: true,
		},
		{
			name:       "未認証",
			wantStatus: http.StatusUnauthorized,
			wantCode:   model.ErrCodeUnauthorized,
		},
		{
			name:       "ユーザーが存在しない",
			userID:     "user-123",
			serviceErr: model.NewUserNotFoundError(),
			wantStatus: http.StatusNotFound,
			wantCode:   model.ErrCodeUserNotFound,
			wantCalled: true,
		},
		{
			name:       "予期しないエラー",
			userID:     "user-123",
			serviceErr: errors.New("transaction failed"),
			wantStatus: http.StatusInternalServerError,
			wantCalled: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			h := NewUserHandler(&mockUserService{
				withdrawFn: func(ctx context.Context, userID string) error {
					called = true
					if userID != tt.userID {
						t.Errorf("userID = %q, want %q", userID, tt.userID)
					}
					return tt.serviceErr
				},
			}, testAuthConfig)

			req := httptest.NewRequest(http.MethodDelete, "/api/users/me", nil)
			if tt.userID != "" {
				req = req.WithContext(middleware.ContextWithUserID(req.Context(), tt.userID))
			}
			w := httptest.NewRecorder()
			h.Withdraw(w, req)

			resp := w.Result()
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if called != tt.wantCalled {
				t.Errorf("service called = %v, want %v", called, tt.wantCalled)
			}
			cookie := findCookie(resp, sessionCookieName)
			if tt.wantCleared {
				if cookie == nil || cookie.MaxAge >= 0 || !cookie.HttpOnly {
					t.Errorf("session cookie not cleared: %+v", cookie)
				}
			} else if cookie != nil {
				t.Errorf("session cookie should be kept, got %+v", cookie)
			}
			if tt.wantCode != "" {
				if body := decodeAPIError(t, resp); body.Code != tt.wantCode {
					t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
				}
			}
		})
	}
}
