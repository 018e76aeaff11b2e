package main

import (
	"github.com/septivank/metering-telemetry/internal/config"
	"github.com/septivank/metering-telemetry/internal/logging"
	"go.uber.org/zap"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName)
}
