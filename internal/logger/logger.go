package logger

import (
	"log"

	"go.uber.org/zap"
)

var Log *zap.Logger

// InitLogger sets up the global zap logger. Call once at process start.
func InitLogger() {
	var err error
	Log, err = zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
}
