// Copyright 2024 The llmbatch Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logging provides the leveled logging capability used across the
// module. A Logger is constructed explicitly and handed to each component;
// there is no process-wide mutable instance.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level uint8

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	CriticalLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warning"
	case ErrorLevel:
		return "error"
	case CriticalLevel:
		return "critical"
	default:
		return "undefined"
	}
}

func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return InfoLevel, nil
	case "debug":
		return DebugLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "critical":
		return CriticalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level: %s", s)
	}
}

// Logger is the logging capability consumed by the limiter and dispatcher.
// Error and Critical additionally notify the configured alert endpoint,
// best effort.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(err error, msg string, keysAndValues ...interface{})
	Critical(err error, msg string, keysAndValues ...interface{})
}

type Config struct {
	Level           string `json:"level" yaml:"level"`
	Development     bool   `json:"development" yaml:"development"`
	AlertWebhookURL string `json:"alertWebhookUrl" yaml:"alertWebhookUrl"`
}

// ZapLogger implements Logger on top of a zap.SugaredLogger.
type ZapLogger struct {
	base     *zap.SugaredLogger
	notifier *WebhookNotifier
}

func NewLogger(cfg *Config) (*ZapLogger, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(toZapLevel(level))

	base, err := zapCfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}

	l := &ZapLogger{base: base.Sugar()}
	if len(cfg.AlertWebhookURL) > 0 {
		l.notifier = NewWebhookNotifier(cfg.AlertWebhookURL)
	}
	return l, nil
}

// NewNopLogger returns a logger that discards everything. Useful in tests.
func NewNopLogger() *ZapLogger {
	return &ZapLogger{base: zap.NewNop().Sugar()}
}

func toZapLevel(l Level) zapcore.Level {
	switch l {
	case DebugLevel:
		return zapcore.DebugLevel
	case InfoLevel:
		return zapcore.InfoLevel
	case WarnLevel:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

func (l *ZapLogger) Debug(msg string, keysAndValues ...interface{}) {
	if l == nil || l.base == nil {
		return
	}
	l.base.Debugw(msg, keysAndValues...)
}

func (l *ZapLogger) Info(msg string, keysAndValues ...interface{}) {
	if l == nil || l.base == nil {
		return
	}
	l.base.Infow(msg, keysAndValues...)
}

func (l *ZapLogger) Warn(msg string, keysAndValues ...interface{}) {
	if l == nil || l.base == nil {
		return
	}
	l.base.Warnw(msg, keysAndValues...)
}

func (l *ZapLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	if l == nil || l.base == nil {
		return
	}
	// Appended into a fresh slice: the caller may reuse keysAndValues, and
	// appending in place could clobber its backing array.
	kvs := make([]interface{}, 0, len(keysAndValues)+2)
	kvs = append(kvs, keysAndValues...)
	if err != nil {
		kvs = append(kvs, "error", err.Error())
	}
	l.base.Errorw(msg, kvs...)
	l.notify(err, msg)
}

func (l *ZapLogger) Critical(err error, msg string, keysAndValues ...interface{}) {
	if l == nil || l.base == nil {
		return
	}
	kvs := make([]interface{}, 0, len(keysAndValues)+4)
	kvs = append(kvs, keysAndValues...)
	kvs = append(kvs, "critical", true)
	if err != nil {
		kvs = append(kvs, "error", err.Error())
	}
	l.base.Errorw(msg, kvs...)
	l.notify(err, msg)
}

func (l *ZapLogger) notify(err error, msg string) {
	if l.notifier == nil {
		return
	}
	text := msg
	if err != nil {
		text = fmt.Sprintf("%s: %s", msg, err.Error())
	}
	go func() {
		if nerr := l.notifier.Notify(text); nerr != nil {
			l.base.Warnw("failed to deliver alert notification", "error", nerr.Error())
		}
	}()
}

// Sync flushes buffered log entries.
func (l *ZapLogger) Sync() error {
	if l == nil || l.base == nil {
		return nil
	}
	return l.base.Sync()
}
