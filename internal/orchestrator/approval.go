package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/steward/pkg/models"
)

// DefaultApprovalTimeout is how long a confirm decision waits for a human.
const DefaultApprovalTimeout = 30 * time.Minute

// ReasonApprovalTimeout is the rejection reason used when nobody answers in time.
const ReasonApprovalTimeout = "approval timed out"

// ErrNoPendingApproval is returned when a response names an item nobody is waiting on.
var ErrNoPendingApproval = errors.New("no pending approval for item")

// ApprovalRequest is what a human sees before a confirm decision runs.
type ApprovalRequest struct {
	ItemID           string                      `json:"item_id"`
	Agent            string                      `json:"agent,omitempty"`
	Action           string                      `json:"action,omitempty"`
	Description      string                      `json:"description"`
	Confidence       float64                     `json:"confidence"`
	Components       models.ConfidenceComponents `json:"components"`
	OverridesApplied []string                    `json:"overrides_applied,omitempty"`
	RequestedAt      time.Time                   `json:"requested_at"`
	// Deadline is when the request is rejected automatically.
	Deadline time.Time `json:"deadline"`
}

// ApprovalResponse represents the human's decision on an approval request.
type ApprovalResponse struct {
	ItemID   string `json:"item_id"`
	Approved bool   `json:"approved"`
	// Reason provides context for rejections.
	Reason string `json:"reason,omitempty"`
	// By names who answered. "timeout" when nobody did.
	By string `json:"by,omitempty"`
}

// Approval is a granted approval bound to the decision it was granted for.
// If the item is scored again to a different decision the approval no longer applies.
type Approval struct {
	ItemID string
	// DecisionHash is the SHA256 of the decision fields a human saw.
	DecisionHash string
	ApprovedAt   time.Time
	ApprovedBy   string
}

type pendingApproval struct {
	req ApprovalRequest
	ch  chan ApprovalResponse
}

// ApprovalManager routes confirm decisions to a human and tracks granted approvals.
type ApprovalManager struct {
	// approvals maps item IDs to their approval state.
	approvals map[string]*Approval
	// pending maps item IDs to requests waiting for a response.
	pending map[string]*pendingApproval
	// requestCh delivers new requests to whatever surface a human watches.
	requestCh chan ApprovalRequest
	timeout   time.Duration
	now       func() time.Time
	logger    *zap.Logger
	mu        sync.RWMutex
}

// NewApprovalManager creates a new ApprovalManager. A non-positive timeout uses DefaultApprovalTimeout.
func NewApprovalManager(timeout time.Duration, logger *zap.Logger) *ApprovalManager {
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ApprovalManager{
		approvals: make(map[string]*Approval),
		pending:   make(map[string]*pendingApproval),
		requestCh: make(chan ApprovalRequest, 10),
		timeout:   timeout,
		now:       time.Now,
		logger:    logger.Named("approval"),
	}
}

// RequestCh returns a read-only channel for receiving approval requests.
func (m *ApprovalManager) RequestCh() <-chan ApprovalRequest {
	return m.requestCh
}

// Timeout returns how long requests wait before being rejected.
func (m *ApprovalManager) Timeout() time.Duration {
	return m.timeout
}

// NewRequest builds the request shown to a human for decision d on item.
func (m *ApprovalManager) NewRequest(item *models.WorkItem, d models.ExecutionDecision) ApprovalRequest {
	now := m.now()
	return ApprovalRequest{
		ItemID:           item.ID,
		Agent:            d.Agent,
		Action:           d.Action,
		Description:      item.Description,
		Confidence:       d.Confidence,
		Components:       d.Components,
		OverridesApplied: append([]string(nil), d.OverridesApplied...),
		RequestedAt:      now,
		Deadline:         now.Add(m.timeout),
	}
}

// WaitForApproval publishes req and blocks until a human answers, the
// timeout expires, or ctx is cancelled. A timeout is a rejection, not an error.
func (m *ApprovalManager) WaitForApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error) {
	responseCh := make(chan ApprovalResponse, 1)

	m.mu.Lock()
	if _, exists := m.pending[req.ItemID]; exists {
		m.mu.Unlock()
		return ApprovalResponse{}, fmt.Errorf("approval already pending for item %s", req.ItemID)
	}
	m.pending[req.ItemID] = &pendingApproval{req: req, ch: responseCh}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, req.ItemID)
		m.mu.Unlock()
	}()

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	// A full request channel does not hold the item back; Pending still lists it.
	select {
	case m.requestCh <- req:
	default:
		m.logger.Warn("approval request channel full", zap.String("item", req.ItemID))
	}

	select {
	case resp := <-responseCh:
		return resp, nil
	case <-timer.C:
		m.logger.Info("approval timed out", zap.String("item", req.ItemID), zap.Duration("after", m.timeout))
		return ApprovalResponse{ItemID: req.ItemID, Reason: ReasonApprovalTimeout, By: "timeout"}, nil
	case <-ctx.Done():
		return ApprovalResponse{}, ctx.Err()
	}
}

// Request asks for approval of decision d and records a granted approval
// bound to it. A still valid approval for the same decision is reused.
func (m *ApprovalManager) Request(ctx context.Context, item *models.WorkItem, d models.ExecutionDecision) (ApprovalResponse, error) {
	if a := m.Get(item.ID); a != nil && a.DecisionHash == DecisionHash(d) {
		return ApprovalResponse{ItemID: item.ID, Approved: true, By: a.ApprovedBy, Reason: "previously approved"}, nil
	}

	resp, err := m.WaitForApproval(ctx, m.NewRequest(item, d))
	if err != nil {
		return resp, err
	}
	if resp.Approved {
		by := resp.By
		if by == "" {
			by = "user"
		}
		m.Create(d, by)
	}
	return resp, nil
}

// SubmitResponse delivers a human's answer for a pending request.
func (m *ApprovalManager) SubmitResponse(resp ApprovalResponse) error {
	m.mu.RLock()
	p, exists := m.pending[resp.ItemID]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrNoPendingApproval, resp.ItemID)
	}
	select {
	case p.ch <- resp:
	default:
		// Already answered.
	}
	return nil
}

// HasPendingRequest returns true if there is a pending approval request for the item.
func (m *ApprovalManager) HasPendingRequest(itemID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.pending[itemID]
	return exists
}

// Pending returns the outstanding requests, oldest first.
func (m *ApprovalManager) Pending() []ApprovalRequest {
	m.mu.RLock()
	out := make([]ApprovalRequest, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p.req)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].ItemID < out[j].ItemID
	})
	return out
}

// Create records an approval for decision d.
func (m *ApprovalManager) Create(d models.ExecutionDecision, approvedBy string) *Approval {
	approval := &Approval{
		ItemID:       d.ItemID,
		DecisionHash: DecisionHash(d),
		ApprovedAt:   m.now(),
		ApprovedBy:   approvedBy,
	}

	m.mu.Lock()
	m.approvals[d.ItemID] = approval
	m.mu.Unlock()

	return approval
}

// IsValid checks whether the item has an approval for exactly this decision.
func (m *ApprovalManager) IsValid(d models.ExecutionDecision) bool {
	a := m.Get(d.ItemID)
	return a != nil && a.DecisionHash == DecisionHash(d)
}

// Expire removes the approval for an item.
func (m *ApprovalManager) Expire(itemID string) {
	m.mu.Lock()
	delete(m.approvals, itemID)
	m.mu.Unlock()
}

// Get returns a copy of the approval for an item, or nil.
func (m *ApprovalManager) Get(itemID string) *Approval {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.approvals[itemID]
	if !ok {
		return nil
	}
	c := *a
	return &c
}

// DecisionHash hashes the fields of a decision a human approves. DecidedAt is
// excluded so a rescore that lands on the same decision keeps its approval.
func DecisionHash(d models.ExecutionDecision) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%.4f|%s", d.ItemID, d.Agent, d.Action, d.Mode, d.Confidence,
		strings.Join(d.OverridesApplied, ","))
	return hex.EncodeToString(h.Sum(nil))
}
