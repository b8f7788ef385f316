package logger

import (
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"helpdesk/backend/internal/config"
)

// Options 日志构建参数
type Options struct {
	Service string
	Log     config.LogConfig
	// Output 控制台输出，nil 时使用 os.Stdout
	Output io.Writer
}

// New 根据配置创建 zap 日志记录器。
//
// 开发模式使用彩色控制台编码并在 error 级别附带堆栈；生产模式输出 JSON。
// 配置了日志文件时同时写入 lumberjack 轮转文件。
func New(opts Options) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(opts.Log.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if opts.Log.Development {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var out io.Writer = os.Stdout
	if opts.Output != nil {
		out = opts.Output
	}
	sinks := []zapcore.WriteSyncer{zapcore.AddSync(out)}

	if opts.Log.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Log.File), 0o755); err != nil {
			return nil, err
		}
		sinks = append(sinks, zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.Log.File,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAge,
			Compress:   opts.Log.Compress,
		}))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(sinks...), level)

	zopts := []zap.Option{zap.AddCaller()}
	if opts.Log.Development {
		zopts = append(zopts, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	log := zap.New(core, zopts...)
	if opts.Service != "" {
		log = log.With(zap.String("service", opts.Service))
	}
	return log, nil
}

// MustNew 创建日志记录器，失败时回退到开发日志
func MustNew(opts Options) *zap.Logger {
	log, err := New(opts)
	if err != nil {
		fallback, _ := zap.NewDevelopment()
		fallback.Warn("falling back to development logger", zap.Error(err))
		return fallback
	}
	return log
}
