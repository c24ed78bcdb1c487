package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger and installs it as zap's global, so packages
// can log through zap.L() without threading a logger everywhere.
func New(env string) (*zap.Logger, error) {
	if env != "production" {
		log, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		log = log.With(zap.String("env", env))
		zap.ReplaceGlobals(log)
		return log, nil
	}

	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.StacktraceKey = "stacktrace"
	config.EncoderConfig.LevelKey = "severity"
	config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	config.Encoding = "json"
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}

	log, err := config.Build()
	if err != nil {
		return nil, err
	}
	log = log.With(zap.String("env", env), zap.String("service_name", "redemption"))
	zap.ReplaceGlobals(log)
	return log, nil
}
