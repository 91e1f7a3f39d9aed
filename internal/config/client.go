package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// クライアント設定の既定値。
const (
	DefaultServerURL      = "http://localhost:8080"
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
)

// ClientConfig はターミナルクライアントの設定。TOMLファイルから読み込む。
type ClientConfig struct {
	ServerURL   string `toml:"server_url"`
	SessionFile string `toml:"session_file"`
	LogFile     string `toml:"log_file"`

	Federated FederatedConfig `toml:"federated"`
	Sync      SyncConfig      `toml:"sync"`
	Guard     GuardConfig     `toml:"guard"`
}

// FederatedConfig はGoogleサインインのキャンセルをエラーとして表示するかを画面ごとに指定する。
type FederatedConfig struct {
	LoginCancelIsError    bool `toml:"login_cancel_is_error"`
	RegisterCancelIsError bool `toml:"register_cancel_is_error"`
}

// SyncConfig はスナップショット購読の再接続間隔。
type SyncConfig struct {
	InitialBackoff time.Duration `toml:"initial_backoff"`
	MaxBackoff     time.Duration `toml:"max_backoff"`
}

// GuardConfig は画面遷移の制御設定。
type GuardConfig struct {
	RedirectAuthenticatedFromPublic bool `toml:"redirect_authenticated_from_public"`
}

// DefaultClientConfig は既定のクライアント設定を返す。
// ログインではキャンセルを黙って閉じ、登録ではエラーとして表示する。
func DefaultClientConfig() *ClientConfig {
	dir := clientConfigDir()
	return &ClientConfig{
		ServerURL:   DefaultServerURL,
		SessionFile: filepath.Join(dir, "session"),
		LogFile:     filepath.Join(dir, "client.log"),
		Federated: FederatedConfig{
			LoginCancelIsError:    false,
			RegisterCancelIsError: true,
		},
		Sync: SyncConfig{
			InitialBackoff: DefaultInitialBackoff,
			MaxBackoff:     DefaultMaxBackoff,
		},
	}
}

// ClientConfigPath は設定ファイルのパスを返す。TODOSYNC_CLIENT_CONFIGが優先される。
func ClientConfigPath() string {
	if p := os.Getenv("TODOSYNC_CLIENT_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(clientConfigDir(), "client.toml")
}

// LoadClient はクライアント設定を読み込む。
// ファイルが存在しない場合は既定値を使う。TODOSYNC_SERVER_URLはファイルの値より優先される。
func LoadClient() (*ClientConfig, error) {
	cfg := DefaultClientConfig()

	path := ClientConfigPath()
	if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load client config %s: %w", path, err)
	}

	if v := os.Getenv("TODOSYNC_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")

	if cfg.Sync.InitialBackoff <= 0 {
		cfg.Sync.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.Sync.MaxBackoff < cfg.Sync.InitialBackoff {
		cfg.Sync.MaxBackoff = cfg.Sync.InitialBackoff
	}
	if !strings.HasPrefix(cfg.ServerURL, "http://") && !strings.HasPrefix(cfg.ServerURL, "https://") {
		return nil, fmt.Errorf("server_url must be an http(s) URL: %q", cfg.ServerURL)
	}

	return cfg, nil
}

// clientConfigDir は$XDG_CONFIG_HOME/todosync（未設定時は~/.config/todosync）を返す。
func clientConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		if home, err := os.UserHomeDir(); err == nil {
			base = filepath.Join(home, ".config")
		} else {
			base = "."
		}
	}
	return filepath.Join(base, "todosync")
}
