package model

import "time"

// User はサービス利用ユーザーを表す。
type User struct {
	ID    string
	Email string
	Name  string
	// PasswordHash はbcryptハッシュ。Googleのみで作成したアカウントでは空。
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasPassword はメールアドレス/パスワードでサインインできるアカウントかを返す。
func (u *User) HasPassword() bool {
	return u.PasswordHash != ""
}

// IdPの識別子。
const (
	ProviderPassword = "password"
	ProviderGoogle   = "google"
)

// Identity はサインイン手段との紐付け情報を表す。
// メールアドレス/パスワードのアカウントはProviderPasswordの行を1つ持つ。
type Identity struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}

// Session はユーザーのログインセッションを表す。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}
