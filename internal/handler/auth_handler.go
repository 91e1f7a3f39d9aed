package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/todosync/internal/auth"
	"github.com/hitoshi/todosync/internal/middleware"
	"github.com/hitoshi/todosync/internal/model"
	"github.com/hitoshi/todosync/internal/security"
)

const (
	sessionCookieName = middleware.SessionCookieName
	oauthStateCookie  = "oauth_state"
	oauthStateMaxAge  = 600 // 10分

	// ループバックリダイレクトで返すエラー値
	loopbackErrorCancelled = "access_denied"
	loopbackErrorFailed    = "federated_flow_failed"
	loopbackErrorProvider  = "provider_unavailable"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Register(ctx context.Context, email, password string) (*model.Session, *model.User, error)
	Login(ctx context.Context, email, password string) (*model.Session, *model.User, error)
	GoogleEnabled() bool
	GetLoginURL(state string) string
	HandleCallback(ctx context.Context, code string) (*model.Session, error)
	Logout(ctx context.Context, sessionID string) error
	GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error)
}

// StateCodec はOAuthのstateパラメータを署名付きで符号化する。auth.StateCodecが満たす。
type StateCodec interface {
	Encode(state auth.OAuthState) (string, error)
	Decode(raw string) (*auth.OAuthState, error)
}

// AttemptRecorder は認証試行を記録する。metrics.Collectorが満たす。
type AttemptRecorder interface {
	RecordAuthAttempt(method, outcome string)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL       string
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service  AuthServiceInterface
	states   StateCodec
	config   AuthHandlerConfig
	recorder AttemptRecorder
}

// NewAuthHandler はAuthHandlerを生成する。recorderはnilでもよい。
func NewAuthHandler(service AuthServiceInterface, states StateCodec, config AuthHandlerConfig, recorder AttemptRecorder) *AuthHandler {
	return &AuthHandler{
		service:  service,
		states:   states,
		config:   config,
		recorder: recorder,
	}
}

// credentialsRequest はメールアドレスとパスワードのリクエストボディ。
type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// userResponse はユーザー情報のAPIレスポンス。
type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Register はアカウントを作成しサインイン状態にする。
// POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, credentialsSchema, &req); err != nil {
		handleServiceError(w, err)
		return
	}

	session, user, err := h.service.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		h.record(model.ProviderPassword, "register_failure")
		handleServiceError(w, err)
		return
	}
	h.record(model.ProviderPassword, "register_success")

	h.setSessionCookie(w, session.ID)
	writeJSON(w, http.StatusCreated, userResponse{ID: user.ID, Email: user.Email})
}

// PasswordLogin はメールアドレスとパスワードでサインインする。
// POST /auth/login
func (h *AuthHandler) PasswordLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, credentialsSchema, &req); err != nil {
		handleServiceError(w, err)
		return
	}

	session, user, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.record(model.ProviderPassword, "failure")
		handleServiceError(w, err)
		return
	}
	h.record(model.ProviderPassword, "success")

	h.setSessionCookie(w, session.ID)
	writeJSON(w, http.StatusOK, userResponse{ID: user.ID, Email: user.Email, Name: user.Name})
}

// Login はGoogle OAuthフローを開始する。
// GET /auth/google/login?next=/path&redirect_uri=http://127.0.0.1:port/callback
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if !h.service.GoogleEnabled() {
		handleServiceError(w, model.NewProviderUnavailableError())
		return
	}

	redirectURI := r.URL.Query().Get("redirect_uri")
	if redirectURI != "" {
		if err := security.ValidateLoopbackRedirect(redirectURI); err != nil {
			slog.Warn("rejected oauth redirect_uri",
				slog.String("redirect_uri", redirectURI),
				slog.String("error", err.Error()),
			)
			handleServiceError(w, model.NewInvalidRequestError("redirect_uri must be a loopback address"))
			return
		}
	}

	nonce, err := auth.NewNonce()
	if err != nil {
		slog.Error("failed to generate oauth nonce", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	state, err := h.states.Encode(auth.OAuthState{
		Nonce:       nonce,
		Next:        security.SafeLocalPath(r.URL.Query().Get("next")),
		RedirectURI: redirectURI,
	})
	if err != nil {
		slog.Error("failed to encode oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	// nonceをCookieに保存し、コールバックでstateと突き合わせる（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    nonce,
		Path:     "/",
		MaxAge:   oauthStateMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.service.GetLoginURL(state), http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理する。
// GET /auth/google/callback?code=xxx&state=yyy
// stateにループバックのredirect_uriがあれば、結果をそのURIへ渡す。
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	// 1. stateの検証（署名と有効期限、Cookieのnonceとの一致）
	state, err := h.states.Decode(query.Get("state"))
	if err != nil {
		slog.Warn("oauth state rejected", slog.String("error", err.Error()))
		handleServiceError(w, model.NewInvalidRequestError("invalid state parameter"))
		return
	}
	nonceCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || nonceCookie.Value != state.Nonce {
		slog.Warn("oauth state mismatch")
		handleServiceError(w, model.NewInvalidRequestError("invalid state parameter"))
		return
	}

	// stateクッキーを削除
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	// 2. 同意画面でのキャンセルやIdP側のエラー
	if idpErr := query.Get("error"); idpErr != "" {
		slog.Info("oauth consent not granted", slog.String("error", idpErr))
		h.record(model.ProviderGoogle, "cancelled")
		if idpErr == loopbackErrorCancelled {
			h.failFederated(w, r, state, loopbackErrorCancelled, model.NewFederatedFlowFailedError("sign-in was cancelled"))
			return
		}
		h.failFederated(w, r, state, loopbackErrorFailed, model.NewFederatedFlowFailedError(idpErr))
		return
	}

	// 3. 認可コードの取得
	code := query.Get("code")
	if code == "" {
		handleServiceError(w, model.NewInvalidRequestError("missing authorization code"))
		return
	}

	// 4. 認証処理
	session, err := h.service.HandleCallback(r.Context(), code)
	if err != nil {
		slog.Error("oauth callback failed", slog.String("error", err.Error()))
		h.record(model.ProviderGoogle, "failure")
		reason := loopbackErrorFailed
		if model.HasCode(err, model.ErrCodeProviderUnavailable) {
			reason = loopbackErrorProvider
		}
		h.failFederated(w, r, state, reason, err)
		return
	}
	h.record(model.ProviderGoogle, "success")

	// 5. ループバックならセッションIDをクライアントへ渡す
	if state.RedirectURI != "" {
		http.Redirect(w, r, withQuery(state.RedirectURI, "session", session.ID), http.StatusFound)
		return
	}

	// 6. ブラウザにはセッションCookieを設定して元のページへ戻す
	h.setSessionCookie(w, session.ID)
	http.Redirect(w, r, strings.TrimRight(h.config.BaseURL, "/")+state.Next, http.StatusTemporaryRedirect)
}

// failFederated はフェデレーションの失敗を呼び出し元へ返す。
func (h *AuthHandler) failFederated(w http.ResponseWriter, r *http.Request, state *auth.OAuthState, loopbackErr string, err error) {
	if state.RedirectURI != "" {
		http.Redirect(w, r, withQuery(state.RedirectURI, "error", loopbackErr), http.StatusFound)
		return
	}
	handleServiceError(w, err)
}

// Logout はセッションを破棄する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err == nil && cookie.Value != "" {
		if logoutErr := h.service.Logout(r.Context(), cookie.Value); logoutErr != nil {
			slog.Error("failed to logout", slog.String("error", logoutErr.Error()))
			// ログアウト失敗してもCookieはクリアする
		}
	}

	http.SetCookie(w, h.config.sessionCookie("", -1))
	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のログインユーザー情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		middleware.WriteUnauthorized(w)
		return
	}

	user, err := h.service.GetCurrentUser(r.Context(), cookie.Value)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, userResponse{ID: user.ID, Email: user.Email, Name: user.Name})
}

func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, h.config.sessionCookie(sessionID, h.config.SessionMaxAge))
}

// sessionCookie はセッションCookieを組み立てる。maxAgeが負なら削除用になる。
func (c AuthHandlerConfig) sessionCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     sessionCookieName,
		Value:    value,
		Path:     "/",
		Domain:   c.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (h *AuthHandler) record(method, outcome string) {
	if h.recorder != nil {
		h.recorder.RecordAuthAttempt(method, outcome)
	}
}

// withQuery はURLにクエリパラメータを1つ追加する。
func withQuery(rawURL, key, value string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}
