package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ShayCichocki/steward/pkg/models"
)

// Requester sends a request and waits for one reply. *nats.Conn satisfies it.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// Request is the payload sent to remote executors.
type Request struct {
	Item *models.WorkItem     `json:"item"`
	Mode models.ExecutionMode `json:"mode"`
}

// Reply is what a remote executor answers with.
type Reply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// ErrRemoteFailed wraps failures reported by a remote executor.
var ErrRemoteFailed = errors.New("remote executor reported failure")

// NATSExecutor hands actions to remote workers with NATS request/reply.
// Requests go to "<subject>.<agent>", or to subject itself for items without an agent.
type NATSExecutor struct {
	conn    Requester
	subject string
	timeout time.Duration
}

// NewNATSExecutor creates an executor publishing under subject.
func NewNATSExecutor(conn Requester, subject string, timeout time.Duration) *NATSExecutor {
	return &NATSExecutor{conn: conn, subject: subject, timeout: timeout}
}

// Subject returns the request subject for item.
func (e *NATSExecutor) Subject(item *models.WorkItem) string {
	if item.Agent == "" {
		return e.subject
	}
	return e.subject + "." + item.Agent
}

// Execute sends item to a remote worker and waits for its reply.
func (e *NATSExecutor) Execute(ctx context.Context, item *models.WorkItem, mode models.ExecutionMode) error {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	data, err := json.Marshal(Request{Item: item, Mode: mode})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	subj := e.Subject(item)
	msg, err := e.conn.RequestWithContext(ctx, subj, data)
	if err != nil {
		return fmt.Errorf("request %s: %w", subj, err)
	}

	var reply Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("decode reply from %s: %w", subj, err)
	}
	if !reply.OK {
		return fmt.Errorf("%w: %s", ErrRemoteFailed, reply.Error)
	}
	return nil
}
