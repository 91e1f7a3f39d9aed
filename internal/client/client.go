// Package client はターミナルクライアントからAPIサーバーへ接続するHTTPクライアントを提供する。
//
// セッションCookieはファイルに保存し、次回起動時に復元する。
// 状態変更リクエストにはダブルサブミットCookie方式のCSRFトークンを付与する。
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/hitoshi/todosync/internal/middleware"
	"github.com/hitoshi/todosync/internal/model"
)

const (
	csrfCookieName  = middleware.CSRFCookieName
	csrfHeaderName  = middleware.CSRFHeaderName
	csrfFailureCode = middleware.ErrCodeCSRFValidationFailed

	// requestTimeout はストリーム以外のリクエストのタイムアウト。
	requestTimeout = 15 * time.Second
)

// Options はClientの設定。
type Options struct {
	ServerURL   string
	SessionFile string
	Logger      *slog.Logger
}

// Client はAPIサーバーとのHTTP通信を担う。
type Client struct {
	base        *url.URL
	http        *http.Client
	jar         *cookiejar.Jar
	sessionFile string
	logger      *slog.Logger

	mu             sync.Mutex
	onUnauthorized func()
}

// New はClientを生成し、保存済みのセッションがあれば復元する。
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.ServerURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url: unsupported scheme %q", base.Scheme)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		base:        base,
		http:        &http.Client{Jar: jar},
		jar:         jar,
		sessionFile: opts.SessionFile,
		logger:      logger,
	}
	if err := c.loadSession(); err != nil {
		return nil, err
	}
	return c, nil
}

// setUnauthorizedHook はUNAUTHORIZED応答を受けたときに呼ぶ関数を登録する。
func (c *Client) setUnauthorizedHook(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUnauthorized = fn
}

func (c *Client) unauthorized() {
	c.mu.Lock()
	fn := c.onUnauthorized
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// endpoint はサーバー上のパスの絶対URLを返す。
func (c *Client) endpoint(path string) string {
	return c.base.String() + path
}

// cookie はjarに保存されたnameのCookie値を返す。
func (c *Client) cookie(name string) string {
	for _, ck := range c.jar.Cookies(c.base) {
		if ck.Name == name {
			return ck.Value
		}
	}
	return ""
}

// csrfToken はCSRFトークンを返す。jarに無ければサーバーから取得する。
func (c *Client) csrfToken(ctx context.Context, refresh bool) (string, error) {
	if !refresh {
		if token := c.cookie(csrfCookieName); token != "" {
			return token, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/api/csrf-token"), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch csrf token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to fetch csrf token: status %d", resp.StatusCode)
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode csrf token: %w", err)
	}
	return body.Token, nil
}

// transportError は通信自体の失敗を表す。
type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// isTransportError はerrが通信失敗かを判定する。
func isTransportError(err error) bool {
	var te *transportError
	return errors.As(err, &te)
}

// do はJSONリクエストを送り、2xxならoutへデコードする。
// それ以外のステータスは統一エラーフォーマットを*model.APIErrorに戻して返す。
// 通信失敗は*transportErrorで返す。
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := c.send(ctx, method, path, in, false)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden && isMutating(method) {
		apiErr := decodeAPIError(resp)
		if apiErr.Code != csrfFailureCode {
			return apiErr
		}
		// Cookieの期限切れなどでトークンが食い違った場合は取り直して1回だけ再送する
		resp.Body.Close()
		resp, err = c.send(ctx, method, path, in, true)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := decodeAPIError(resp)
		if apiErr.Code == model.ErrCodeUnauthorized {
			c.unauthorized()
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &transportError{err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, in any, refreshCSRF bool) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if isMutating(method) {
		token, err := c.csrfToken(ctx, refreshCSRF)
		if err != nil {
			return nil, &transportError{err: err}
		}
		req.Header.Set(csrfHeaderName, token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &transportError{err: err}
	}
	return resp, nil
}

func isMutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	default:
		return true
	}
}

// decodeAPIError はエラーレスポンスのボディを*model.APIErrorに変換する。
// ボディを解釈できない場合はステータスコードから推定する。
func decodeAPIError(resp *http.Response) *model.APIError {
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err == nil && body.Code != "" {
		return &model.APIError{
			Code:     body.Code,
			Message:  body.Message,
			Category: body.Category,
			Action:   body.Action,
		}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return model.NewUnauthorizedError()
	case resp.StatusCode == http.StatusNotFound:
		return &model.APIError{Code: model.ErrCodeTaskNotFound, Message: "Not found", Category: "task"}
	case resp.StatusCode >= 500:
		return &model.APIError{Code: model.ErrCodeInternal, Message: resp.Status, Category: "system"}
	default:
		return model.NewInvalidRequestError(resp.Status)
	}
}

// loadSession は保存済みのセッションIDをjarに復元する。
func (c *Client) loadSession() error {
	if c.sessionFile == "" {
		return nil
	}
	data, err := os.ReadFile(c.sessionFile)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read session file: %w", err)
	}
	if id := strings.TrimSpace(string(data)); id != "" {
		c.setSessionCookie(id)
	}
	return nil
}

func (c *Client) setSessionCookie(id string) {
	c.jar.SetCookies(c.base, []*http.Cookie{{
		Name:  middleware.SessionCookieName,
		Value: id,
		Path:  "/",
	}})
}

// saveSession はjarのセッションIDをファイルに保存する。
func (c *Client) saveSession() error {
	if c.sessionFile == "" {
		return nil
	}
	id := c.cookie(middleware.SessionCookieName)
	if id == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(c.sessionFile), 0o700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	if err := os.WriteFile(c.sessionFile, []byte(id+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	return os.Chmod(c.sessionFile, 0o600)
}

// clearSession はjarと保存ファイルからセッションIDを消す。
func (c *Client) clearSession() {
	c.jar.SetCookies(c.base, []*http.Cookie{{
		Name:   middleware.SessionCookieName,
		Path:   "/",
		MaxAge: -1,
	}})
	if c.sessionFile == "" {
		return
	}
	if err := os.Remove(c.sessionFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.logger.Warn("failed to remove session file", slog.String("error", err.Error()))
	}
}
