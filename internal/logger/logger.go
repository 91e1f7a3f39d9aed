package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	charmlog "github.com/charmbracelet/log"
)

// ログ出力形式。
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Setup はJSON構造化ログ出力のslog.Loggerを生成して返す。
// writerが指定された場合はそのwriterに出力する。
func Setup(w io.Writer) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(handler)
}

// SetupConsole は人が読みやすいテキスト形式のslog.Loggerを生成して返す。
// 開発時の標準出力向け。
func SetupConsole(w io.Writer) *slog.Logger {
	handler := charmlog.NewWithOptions(w, charmlog.Options{
		Level:           charmlog.InfoLevel,
		Formatter:       charmlog.TextFormatter,
		ReportTimestamp: true,
	})
	return slog.New(handler)
}

// New はformatに応じたslog.Loggerを返す。未知の形式はJSONとして扱う。
func New(w io.Writer, format string) *slog.Logger {
	if format == FormatConsole {
		return SetupConsole(w)
	}
	return Setup(w)
}

// SetupDefault はJSON構造化ログ出力をグローバルロガーとして設定する。
// writerが指定された場合はそのwriterに出力する。
// 本番ではos.Stdoutを渡すことを想定している。
func SetupDefault(w io.Writer) {
	SetupDefaultFormat(w, FormatJSON)
}

// SetupDefaultFormat は指定形式のロガーをグローバルロガーとして設定する。
func SetupDefaultFormat(w io.Writer, format string) {
	if w == nil {
		w = os.Stdout
	}
	slog.SetDefault(New(w, format))
}

// OpenFile はターミナルクライアント用のログファイルを追記モードで開き、
// JSONロガーを返す。画面描画と混ざらないよう標準出力には書かない。
// 呼び出し側は返されたio.Closerを終了時に閉じる。
func OpenFile(path string) (*slog.Logger, io.Closer, error) {
	if path == "" {
		return slog.New(slog.NewJSONHandler(io.Discard, nil)), io.NopCloser(nil), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return Setup(f), f, nil
}
