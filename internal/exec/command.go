package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/steward/pkg/models"
)

// maxOutputInError bounds how much command output is carried in an error.
const maxOutputInError = 512

// ErrNoCommand is returned by NewCommandExecutor for an empty argv.
var ErrNoCommand = errors.New("executor command is empty")

// CommandExecutor runs one external command per action. The item is described
// to the command through STEWARD_* environment variables; a zero exit status
// is success.
type CommandExecutor struct {
	runner  CommandRunner
	argv    []string
	timeout time.Duration
	logger  *zap.Logger
}

// NewCommandExecutor creates an executor for argv. A zero timeout leaves the
// deadline to the caller.
func NewCommandExecutor(runner CommandRunner, argv []string, timeout time.Duration, logger *zap.Logger) (*CommandExecutor, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, ErrNoCommand
	}
	if runner == nil {
		runner = NewRunner()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandExecutor{
		runner:  runner,
		argv:    append([]string(nil), argv...),
		timeout: timeout,
		logger:  logger.Named("exec"),
	}, nil
}

// Execute runs the command for item in mode.
func (e *CommandExecutor) Execute(ctx context.Context, item *models.WorkItem, mode models.ExecutionMode) error {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	env, err := Env(item, mode)
	if err != nil {
		return err
	}

	start := time.Now()
	out, err := e.runner.Run(ctx, env, e.argv[0], e.argv[1:]...)
	e.logger.Debug("command finished",
		zap.String("item", item.ID), zap.String("mode", string(mode)),
		zap.Duration("took", time.Since(start)), zap.Int("output_bytes", len(out)), zap.Error(err))
	if err != nil {
		if tail := outputTail(out); tail != "" {
			return fmt.Errorf("%s: %w: %s", e.argv[0], err, tail)
		}
		return fmt.Errorf("%s: %w", e.argv[0], err)
	}
	return nil
}

// Env describes item and mode as environment variables.
func Env(item *models.WorkItem, mode models.ExecutionMode) ([]string, error) {
	actx, err := json.Marshal(item.Context)
	if err != nil {
		return nil, fmt.Errorf("encode action context: %w", err)
	}
	return []string{
		"STEWARD_ITEM_ID=" + item.ID,
		"STEWARD_DESCRIPTION=" + item.Description,
		"STEWARD_AGENT=" + item.Agent,
		"STEWARD_ACTION=" + item.Action,
		"STEWARD_MODE=" + string(mode),
		"STEWARD_CONTEXT=" + string(actx),
	}, nil
}

func outputTail(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > maxOutputInError {
		s = "..." + s[len(s)-maxOutputInError:]
	}
	return s
}
