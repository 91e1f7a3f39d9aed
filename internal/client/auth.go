package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hitoshi/todosync/internal/model"
	"github.com/hitoshi/todosync/internal/session"
)

// callbackTimeout はループバックのコールバックサーバーを止めるまでの猶予。
const callbackTimeout = 5 * time.Second

// AuthProvider はAPIサーバーの認証エンドポイントをsession.Providerとして扱う。
type AuthProvider struct {
	c       *Client
	openURL func(string) error

	mu       sync.Mutex
	watchers map[chan *session.Identity]struct{}
	// emitted はemitの呼び出し回数。
	emitted uint64
}

var _ session.Provider = (*AuthProvider)(nil)

// NewAuthProvider はAuthProviderを生成する。openURLはGoogleサインイン時にブラウザを開く関数。
func NewAuthProvider(c *Client, openURL func(string) error) *AuthProvider {
	p := &AuthProvider{
		c:        c,
		openURL:  openURL,
		watchers: make(map[chan *session.Identity]struct{}),
	}
	c.setUnauthorizedHook(func() {
		c.clearSession()
		p.emit(nil)
	})
	return p
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// CreateAccount はアカウントを作成する。作成後はサインイン済みになる。
func (p *AuthProvider) CreateAccount(ctx context.Context, email, password string) error {
	var user userResponse
	if err := p.c.do(ctx, http.MethodPost, "/auth/register", credentials{Email: email, Password: password}, &user); err != nil {
		return providerError(err)
	}
	return p.signedIn(user)
}

// SignIn はメールアドレスとパスワードでサインインする。
func (p *AuthProvider) SignIn(ctx context.Context, email, password string) error {
	var user userResponse
	if err := p.c.do(ctx, http.MethodPost, "/auth/login", credentials{Email: email, Password: password}, &user); err != nil {
		return providerError(err)
	}
	return p.signedIn(user)
}

// SignOut はサーバーのセッションを破棄する。サーバーの応答にかかわらずローカルのセッションは消す。
func (p *AuthProvider) SignOut(ctx context.Context) error {
	err := p.c.do(ctx, http.MethodPost, "/auth/logout", nil, nil)
	p.c.clearSession()
	if err != nil && !model.HasCode(err, model.ErrCodeUnauthorized) {
		return providerError(err)
	}
	p.emit(nil)
	return nil
}

// SignInFederated はブラウザでGoogleの同意画面を開き、ループバックへのリダイレクトで
// セッションIDを受け取る。ctxの終了と同意の拒否はsession.ErrFederatedCancelledを返す。
func (p *AuthProvider) SignInFederated(ctx context.Context) error {
	if p.openURL == nil {
		return model.NewFederatedFlowFailedError("no browser available")
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return model.NewFederatedFlowFailedError("failed to listen on loopback")
	}

	results := make(chan url.Values, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "todosync: you can close this window and return to the terminal.")
		select {
		case results <- r.URL.Query():
		default:
		}
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go srv.Serve(ln)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	redirectURI := "http://" + ln.Addr().String() + "/callback"
	q := url.Values{}
	q.Set("next", "/")
	q.Set("redirect_uri", redirectURI)
	loginURL := p.c.endpoint("/auth/google/login") + "?" + q.Encode()

	p.c.logger.Info("opening browser for google sign-in", slog.String("redirect_uri", redirectURI))
	if err := p.openURL(loginURL); err != nil {
		return model.NewFederatedFlowFailedError("failed to open browser")
	}

	select {
	case <-ctx.Done():
		return errors.Join(session.ErrFederatedCancelled, ctx.Err())
	case query := <-results:
		switch reason := query.Get("error"); reason {
		case "":
		case "access_denied":
			return session.ErrFederatedCancelled
		case "provider_unavailable":
			return model.NewProviderUnavailableError()
		default:
			return model.NewFederatedFlowFailedError(reason)
		}
		id := query.Get("session")
		if id == "" {
			return model.NewFederatedFlowFailedError("missing session")
		}
		p.c.setSessionCookie(id)

		user, err := p.me(ctx)
		if err != nil {
			return providerError(err)
		}
		if user == nil {
			return model.NewFederatedFlowFailedError("session rejected")
		}
		return p.signedIn(*user)
	}
}

// SessionChanges はサーバー上の現在のセッションを最初に送り、以後はサインイン・サインアウトのたびに送る。
// サーバーへ到達できない場合は未サインインとして開始し、購読は維持する。
// 確認中に行われたサインインを取りこぼさないよう、/auth/meより先に購読を登録する。
func (p *AuthProvider) SessionChanges(ctx context.Context) (<-chan *session.Identity, error) {
	ch := make(chan *session.Identity, 16)
	p.mu.Lock()
	p.watchers[ch] = struct{}{}
	seen := p.emitted
	p.mu.Unlock()

	user, err := p.me(ctx)
	switch {
	case err != nil && isTransportError(err) && ctx.Err() == nil:
		p.c.logger.Warn("session check failed; starting signed out", slog.String("error", err.Error()))
		user = nil
	case err != nil:
		p.unwatch(ch)
		return nil, providerError(err)
	}

	var initial *session.Identity
	if user != nil {
		initial = &session.Identity{ID: user.ID, Email: user.Email}
	}
	// 確認中に届いた変更の方が新しいので、その場合は初期値を送らない
	p.mu.Lock()
	if p.emitted == seen {
		ch <- initial
	}
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.unwatch(ch)
	}()
	return ch, nil
}

// unwatch は購読を解除してチャネルをクローズする。
func (p *AuthProvider) unwatch(ch chan *session.Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.watchers[ch]; !ok {
		return
	}
	delete(p.watchers, ch)
	close(ch)
}

// me は現在のセッションのユーザーを返す。未サインインならnil。
func (p *AuthProvider) me(ctx context.Context) (*userResponse, error) {
	var user userResponse
	err := p.c.do(ctx, http.MethodGet, "/auth/me", nil, &user)
	if model.HasCode(err, model.ErrCodeUnauthorized) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (p *AuthProvider) signedIn(user userResponse) error {
	if err := p.c.saveSession(); err != nil {
		p.c.logger.Warn("failed to persist session", slog.String("error", err.Error()))
	}
	p.emit(&session.Identity{ID: user.ID, Email: user.Email})
	return nil
}

// emit は全購読チャネルへidentを送る。
func (p *AuthProvider) emit(ident *session.Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emitted++
	for ch := range p.watchers {
		var v *session.Identity
		if ident != nil {
			copied := *ident
			v = &copied
		}
		select {
		case ch <- v:
		default:
			p.c.logger.Warn("session change dropped; watcher is not keeping up")
		}
	}
}

// providerError は通信失敗をPROVIDER_UNAVAILABLEにする。
func providerError(err error) error {
	if isTransportError(err) {
		return errors.Join(model.NewProviderUnavailableError(), err)
	}
	return err
}
