// Package intake connects steward to NATS: work items arrive as JSON on the
// intake subject, and confirm decisions are exchanged with remote approvers.
package intake

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ShayCichocki/steward/internal/orchestrator"
	"github.com/ShayCichocki/steward/pkg/models"
)

// Submitter accepts new work items. *orchestrator.Dispatcher satisfies it.
type Submitter interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*models.WorkItem, error)
}

// Approver receives approval answers. *orchestrator.ApprovalManager satisfies it.
type Approver interface {
	RequestCh() <-chan orchestrator.ApprovalRequest
	SubmitResponse(resp orchestrator.ApprovalResponse) error
}

// Conn is the subset of *nats.Conn used here.
type Conn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

var _ Conn = (*nats.Conn)(nil)

// SubmitReply answers a request sent with a reply subject.
type SubmitReply struct {
	ID     string `json:"id,omitempty"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Config names the subjects used. An empty ApprovalSubject disables the
// approval bridge.
type Config struct {
	IntakeSubject   string
	ApprovalSubject string
}

// Server turns NATS messages into dispatcher calls.
type Server struct {
	cfg       Config
	conn      Conn
	submitter Submitter
	approver  Approver
	logger    *zap.Logger
}

// New creates a Server. approver may be nil.
func New(cfg Config, conn Conn, submitter Submitter, approver Approver, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if approver == nil {
		cfg.ApprovalSubject = ""
	}
	return &Server{
		cfg:       cfg,
		conn:      conn,
		submitter: submitter,
		approver:  approver,
		logger:    logger.Named("intake"),
	}
}

// ForwardsApprovals reports whether Run drains approval requests to NATS.
func (s *Server) ForwardsApprovals() bool { return s.cfg.ApprovalSubject != "" }

// RequestsSubject is where approval requests are published.
func (s *Server) RequestsSubject() string { return s.cfg.ApprovalSubject + ".requests" }

// ResponsesSubject is where approval answers are read from.
func (s *Server) ResponsesSubject() string { return s.cfg.ApprovalSubject + ".responses" }

// Run subscribes and forwards approval requests until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	var subs []*nats.Subscription
	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}()

	sub, err := s.conn.Subscribe(s.cfg.IntakeSubject, func(msg *nats.Msg) {
		s.HandleSubmit(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.cfg.IntakeSubject, err)
	}
	subs = append(subs, sub)
	s.logger.Info("accepting work items", zap.String("subject", s.cfg.IntakeSubject))

	if s.cfg.ApprovalSubject == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	sub, err = s.conn.Subscribe(s.ResponsesSubject(), s.HandleApproval)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.ResponsesSubject(), err)
	}
	subs = append(subs, sub)
	return s.ForwardApprovals(ctx)
}

// HandleSubmit decodes one SubmitRequest and submits it. When the message has
// a reply subject the outcome is published there.
func (s *Server) HandleSubmit(ctx context.Context, msg *nats.Msg) {
	var req orchestrator.SubmitRequest
	var reply SubmitReply
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("malformed work item", zap.String("subject", msg.Subject), zap.Error(err))
		reply.Error = "decode: " + err.Error()
	} else if item, err := s.submitter.Submit(ctx, req); err != nil {
		s.logger.Warn("work item rejected", zap.Error(err))
		reply.Error = err.Error()
	} else {
		reply.ID = item.ID
		reply.Status = string(item.Status)
	}
	s.reply(msg, reply)
}

// HandleApproval decodes one ApprovalResponse and hands it to the approver.
func (s *Server) HandleApproval(msg *nats.Msg) {
	var resp orchestrator.ApprovalResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		s.logger.Warn("malformed approval response", zap.Error(err))
		return
	}
	if resp.By == "" {
		resp.By = "nats"
	}
	if err := s.approver.SubmitResponse(resp); err != nil {
		s.logger.Warn("approval response ignored", zap.String("item", resp.ItemID), zap.Error(err))
		return
	}
	s.logger.Info("approval answered",
		zap.String("item", resp.ItemID), zap.Bool("approved", resp.Approved), zap.String("by", resp.By))
}

// ForwardApprovals publishes every approval request until ctx is done.
func (s *Server) ForwardApprovals(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-s.approver.RequestCh():
			data, err := json.Marshal(req)
			if err != nil {
				s.logger.Error("encode approval request", zap.Error(err))
				continue
			}
			if err := s.conn.Publish(s.RequestsSubject(), data); err != nil {
				s.logger.Warn("publish approval request", zap.String("item", req.ItemID), zap.Error(err))
			}
		}
	}
}

func (s *Server) reply(msg *nats.Msg, reply SubmitReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := s.conn.Publish(msg.Reply, data); err != nil {
		s.logger.Warn("reply to producer", zap.Error(err))
	}
}
