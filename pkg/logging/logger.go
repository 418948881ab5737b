package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"

	"github.com/nao1215/bookclub/pkg/envconfig"
)

// Logger はzerolog.Loggerの別名。ラッパーは作らずzerologを直接使う。
type Logger = zerolog.Logger

// Config はロガーの設定。
type Config struct {
	// Level はログレベル（debug, info, warn, error）。
	Level string
	// Format は出力形式（json または text）。
	Format string
	// Async はリングバッファによる非同期書き込みを有効にする。
	Async bool
	// Output は出力先。nilの場合は標準エラー出力。
	Output io.Writer
}

// New は設定からロガーを生成する。
func New(cfg Config) Logger {
	var out io.Writer = os.Stderr
	if cfg.Output != nil {
		out = cfg.Output
	}

	if strings.EqualFold(cfg.Format, "text") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	if cfg.Async {
		// バッファが溢れた場合は古いメッセージを捨てる。ロガー自身は使えないので直接書く。
		out = diode.NewWriter(out, 100000, 100*time.Millisecond, func(missed int) {
			if missed > 0 {
				_, _ = os.Stderr.WriteString("WARN: ログバッファが溢れたためメッセージを破棄しました\n")
			}
		})
	}

	return zerolog.New(out).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
}

// ParseLevel は文字列をzerolog.Levelに変換する。不明な値はinfoとして扱う。
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ForComponent はcomponentフィールドを付与した子ロガーを返す。
func ForComponent(logger Logger, component string) Logger {
	return logger.With().Str(FieldComponent, component).Logger()
}

// ConfigFromEnv はLOG_LEVEL、LOG_FORMAT、LOG_ASYNCからロガーの設定を読み込む。
func ConfigFromEnv() (Config, error) {
	async, err := envconfig.Bool("LOG_ASYNC", false)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Level:  envconfig.GetOr("LOG_LEVEL", "info"),
		Format: envconfig.GetOr("LOG_FORMAT", "json"),
		Async:  async,
	}, nil
}
