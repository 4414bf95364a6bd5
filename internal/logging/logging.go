package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger struct {
	*zap.Logger
}

// NewLogger builds the process-wide logger. Sampling is set because a
// steady-state replica logs on every coordinator heartbeat tick and
// every sync ack/nack — without it a flapping connection or a tight
// heartbeat interval floods the sink with identical warnings.
func NewLogger(level string, format string) (*Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    format,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return &Logger{Logger: logger}, nil
}

// WithDocumentID scopes subsequent log lines to a document.
func (l *Logger) WithDocumentID(documentID string) *zap.Logger {
	return l.With(zap.String("document_id", documentID))
}

// WithClientID scopes subsequent log lines to a replica.
func (l *Logger) WithClientID(clientID string) *zap.Logger {
	return l.With(zap.String("client_id", clientID))
}

// WithTabID scopes subsequent log lines to a cross-tab coordinator tab.
func (l *Logger) WithTabID(tabID string) *zap.Logger {
	return l.With(zap.String("tab_id", tabID))
}

func (l *Logger) WithError(err error) *zap.Logger {
	return l.With(zap.Error(err))
}