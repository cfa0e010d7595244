package main

import (
	"context"
	"os"

	"go.uber.org/zap"

	"github.com/ShayCichocki/steward/internal/orchestrator"
)

// controlDispatch pauses dispatch on pauseSignal and resumes it on
// resumeSignal until ctx is done. Running items are not interrupted.
func controlDispatch(ctx context.Context, sigs <-chan os.Signal, pc *orchestrator.PauseController, logger *zap.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-sigs:
			switch sig {
			case pauseSignal:
				pc.Pause()
			case resumeSignal:
				pc.Resume()
			default:
				continue
			}
			logger.Info("dispatch control", zap.Stringer("signal", sig), zap.Bool("paused", pc.IsPaused()))
		}
	}
}
