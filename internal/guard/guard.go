// Package guard はセッション状態と要求された画面から、表示可否と遷移先を決める。
package guard

import (
	"net/url"

	"github.com/hitoshi/todosync/internal/security"
	"github.com/hitoshi/todosync/internal/session"
)

// 画面のパス。
const (
	PathHome     = "/"
	PathLogin    = "/login"
	PathRegister = "/register"
)

// Kind は判定結果の種別。
type Kind int

const (
	// Suspend はセッション確認中のため何も表示しない。
	Suspend Kind = iota
	// Render は要求された画面を表示する。
	Render
	// Redirect はLocationへ遷移する。
	Redirect
)

func (k Kind) String() string {
	switch k {
	case Render:
		return "render"
	case Redirect:
		return "redirect"
	default:
		return "suspend"
	}
}

// Decision は判定結果。
// PreserveOriginalがtrueの場合、Fromにサインイン後に戻る元のパスが入る。
type Decision struct {
	Kind             Kind
	Location         string
	PreserveOriginal bool
	From             string
}

// Options は判定の設定。
type Options struct {
	// RedirectAuthenticatedFromPublic はサインイン済みのユーザーを
	// ログイン・登録画面から一覧画面へ戻すかを指定する。
	RedirectAuthenticatedFromPublic bool
}

// Decide は状態とパスから表示可否を判定する。副作用はない。
func Decide(status session.Status, path string, opts Options) Decision {
	if status == session.Unknown {
		return Decision{Kind: Suspend}
	}

	switch routeOf(path) {
	case PathHome:
		if status == session.Authenticated {
			return Decision{Kind: Render}
		}
		return Decision{
			Kind:             Redirect,
			Location:         PathLogin,
			PreserveOriginal: true,
			From:             path,
		}

	case PathLogin, PathRegister:
		if status == session.Authenticated && opts.RedirectAuthenticatedFromPublic {
			return Decision{Kind: Redirect, Location: PathHome}
		}
		return Decision{Kind: Render}

	default:
		return Decision{Kind: Redirect, Location: PathHome}
	}
}

// ReturnPath はサインイン後の戻り先を返す。アプリ内の絶対パス以外は"/"にする。
func ReturnPath(from string) string {
	return security.SafeLocalPath(from)
}

// routeOf はクエリを除いたパス部分を返す。
func routeOf(path string) string {
	if path == "" {
		return PathHome
	}
	u, err := url.Parse(path)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return ""
	}
	return u.Path
}
