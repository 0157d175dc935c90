package app

import (
	"time"

	"telegram-broadcast/internal/infra/config"
	"telegram-broadcast/internal/infra/logger"

	"go.uber.org/zap"
)

// Run starts every registered node, blocks until the root context is
// cancelled (signal or node failure) and then stops the tree in reverse
// start order.
func (a *App) Run() error {
	if err := a.lc.StartAll(); err != nil {
		logger.Error("startup failed", zap.Error(err))
		if stopErr := a.lc.Shutdown(); stopErr != nil {
			logger.Error("shutdown after failed startup", zap.Error(stopErr))
		}
		return err
	}

	logger.Info("broadcastd running", zap.String("role", a.role))
	for _, warning := range config.Warnings() {
		logger.Warn(warning)
	}

	<-a.ctx.Done()

	logger.Info("shutdown signal received")
	return a.lc.Shutdown()
}

func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
