// Package zaplog backs the glog logger contracts with zap.
package zaplog

import (
	"context"
	"sort"

	glog "github.com/goliatone/go-logger/glog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxFieldsKey struct{}

// ContextWithFields attaches fields that WithContext folds into every entry.
func ContextWithFields(ctx context.Context, fields map[string]any) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	merged := map[string]any{}
	if existing, ok := ctx.Value(ctxFieldsKey{}).(map[string]any); ok {
		for key, value := range existing {
			merged[key] = value
		}
	}
	for key, value := range fields {
		merged[key] = value
	}
	return context.WithValue(ctx, ctxFieldsKey{}, merged)
}

type Logger struct {
	sugar *zap.SugaredLogger
}

func New(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{sugar: logger.Sugar()}
}

// NewDevelopment and NewProduction mirror zap's presets. level accepts
// zap level names; an unknown level keeps the preset default.
func NewProduction(level string) (*Logger, error) {
	cfg := zap.NewProductionConfig()
	applyLevel(&cfg, level)
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return New(logger), nil
}

func NewDevelopment(level string) (*Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	applyLevel(&cfg, level)
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return New(logger), nil
}

func applyLevel(cfg *zap.Config, level string) {
	if level == "" {
		return
	}
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return
	}
	cfg.Level = zap.NewAtomicLevelAt(parsed)
}

func (l *Logger) Trace(msg string, args ...any) { l.sugar.Debugw(msg, args...) }
func (l *Logger) Debug(msg string, args ...any) { l.sugar.Debugw(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.sugar.Infow(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.sugar.Warnw(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.sugar.Errorw(msg, args...) }
func (l *Logger) Fatal(msg string, args ...any) { l.sugar.Fatalw(msg, args...) }

func (l *Logger) WithContext(ctx context.Context) glog.Logger {
	if ctx == nil {
		return l
	}
	fields, ok := ctx.Value(ctxFieldsKey{}).(map[string]any)
	if !ok || len(fields) == 0 {
		return l
	}
	return l.WithFields(fields)
}

func (l *Logger) WithFields(fields map[string]any) glog.Logger {
	if len(fields) == 0 {
		return l
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(keys)*2)
	for _, key := range keys {
		args = append(args, key, fields[key])
	}
	return &Logger{sugar: l.sugar.With(args...)}
}

func (l *Logger) Named(name string) *Logger {
	if name == "" {
		return l
	}
	return &Logger{sugar: l.sugar.Named(name)}
}

// Sync flushes buffered entries. Call it before exit.
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}

type Provider struct {
	root *Logger
}

func NewProvider(root *Logger) *Provider {
	if root == nil {
		root = New(nil)
	}
	return &Provider{root: root}
}

func (p *Provider) GetLogger(name string) glog.Logger {
	return p.root.Named(name)
}

var (
	_ glog.Logger         = (*Logger)(nil)
	_ glog.FieldsLogger   = (*Logger)(nil)
	_ glog.LoggerProvider = (*Provider)(nil)
)
