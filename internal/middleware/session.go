// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/todosync/internal/model"
)

// SessionCookieName はセッションIDを保持するCookieの名前。
const SessionCookieName = "session_id"

type contextKey string

var (
	userIDContextKey  = contextKey("user_id")
	sessionContextKey = contextKey("session")
)

// ErrNoUserID はコンテキストに認証済みユーザーがないことを表す。
var ErrNoUserID = errors.New("user ID not found in context")

// SessionFinder はCookieの値からセッションを引く。
// 存在しないか期限切れのセッションには(nil, nil)を返す。
type SessionFinder interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
}

// NewSessionMiddleware はセッションCookieを検証し、所有者のユーザーIDを
// リクエストコンテキストに載せるミドルウェアを返す。
//
// Cookieが無いか、無効なセッションを指すときは401を返す。後者はCookieも削除する。
// セッションストアに届かないときは401ではなく503を返す。クライアントが
// 一時的な障害をサインアウトと取り違えないようにするため。
func NewSessionMiddleware(finder SessionFinder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(SessionCookieName)
			if err != nil || cookie.Value == "" {
				WriteUnauthorized(w)
				return
			}

			session, err := finder.FindByID(r.Context(), cookie.Value)
			if err != nil {
				slog.Error("failed to find session", slog.String("error", err.Error()))
				WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewStoreUnavailableError())
				return
			}
			if session == nil {
				http.SetCookie(w, &http.Cookie{
					Name:     SessionCookieName,
					Path:     "/",
					MaxAge:   -1,
					HttpOnly: true,
				})
				WriteUnauthorized(w)
				return
			}

			annotateUserID(r.Context(), session.UserID)
			ctx := ContextWithUserID(r.Context(), session.UserID)
			ctx = ContextWithSession(ctx, session)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserIDFromContext はセッションミドルウェアが載せたユーザーIDを返す。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", ErrNoUserID
	}
	return userID, nil
}

// ContextWithUserID はユーザーIDを載せたコンテキストを返す。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// SessionFromContext はセッションミドルウェアが検証したセッションを返す。
func SessionFromContext(ctx context.Context) (*model.Session, bool) {
	session, ok := ctx.Value(sessionContextKey).(*model.Session)
	return session, ok && session != nil
}

// ContextWithSession はセッションを載せたコンテキストを返す。
func ContextWithSession(ctx context.Context, session *model.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, session)
}
