package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// stateTTL はOAuth stateの有効期間。
const stateTTL = 10 * time.Minute

// ErrInvalidState はstateの署名・期限・形式のいずれかが不正であることを表す。
var ErrInvalidState = errors.New("invalid oauth state")

// OAuthState はGoogleログイン開始からコールバックまで持ち回る情報。
type OAuthState struct {
	// Nonce はCookieに保存した値と照合するランダム値。
	Nonce string
	// Next はサインイン後に戻るアプリ内パス。
	Next string
	// RedirectURI はターミナルクライアントのループバック受信先。ブラウザからのログインでは空。
	RedirectURI string
}

type stateClaims struct {
	Nonce       string `json:"nonce"`
	Next        string `json:"next,omitempty"`
	RedirectURI string `json:"redirect_uri,omitempty"`
	jwt.RegisteredClaims
}

// StateCodec はOAuth stateをHS256署名付きJWTとして符号化する。
type StateCodec struct {
	secret []byte
	now    func() time.Time
}

// NewStateCodec はStateCodecを生成する。secretにはSESSION_SECRETを渡す。
func NewStateCodec(secret string) *StateCodec {
	return &StateCodec{secret: []byte(secret), now: time.Now}
}

// NewNonce はstate用のランダム値を生成する。
func NewNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Encode はstateを署名付きトークンにする。
func (c *StateCodec) Encode(state OAuthState) (string, error) {
	now := c.now()
	claims := stateClaims{
		Nonce:       state.Nonce,
		Next:        state.Next,
		RedirectURI: state.RedirectURI,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(stateTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign state: %w", err)
	}
	return signed, nil
}

// Decode はトークンを検証してstateを取り出す。
func (c *StateCodec) Decode(raw string) (*OAuthState, error) {
	claims := &stateClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(t *jwt.Token) (interface{}, error) { return c.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if claims.Nonce == "" {
		return nil, fmt.Errorf("%w: missing nonce", ErrInvalidState)
	}
	return &OAuthState{
		Nonce:       claims.Nonce,
		Next:        claims.Next,
		RedirectURI: claims.RedirectURI,
	}, nil
}
