package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ShayCichocki/steward/pkg/models"
)

func testDecision(id string) models.ExecutionDecision {
	return models.ExecutionDecision{
		ItemID:           id,
		Agent:            "builder",
		Action:           "deploy",
		Mode:             models.ModeConfirm,
		Confidence:       0.21,
		OverridesApplied: []string{"low_risk_tolerance"},
		DecidedAt:        time.Now(),
	}
}

func TestApprovalManager_Create(t *testing.T) {
	manager := NewApprovalManager(0, nil)

	approval := manager.Create(testDecision("item-001"), "user")

	if approval == nil {
		t.Fatal("expected non-nil approval")
	}
	if approval.ItemID != "item-001" {
		t.Errorf("expected ItemID 'item-001', got %q", approval.ItemID)
	}
	if approval.ApprovedBy != "user" {
		t.Errorf("expected ApprovedBy 'user', got %q", approval.ApprovedBy)
	}
	if approval.DecisionHash == "" {
		t.Error("expected non-empty DecisionHash")
	}
	if approval.ApprovedAt.IsZero() {
		t.Error("expected ApprovedAt to be set")
	}
	if manager.Timeout() != DefaultApprovalTimeout {
		t.Errorf("expected default timeout, got %v", manager.Timeout())
	}
}

func TestApprovalManager_DecisionBinding(t *testing.T) {
	manager := NewApprovalManager(0, nil)
	d := testDecision("item-001")
	manager.Create(d, "user")

	if !manager.IsValid(d) {
		t.Error("expected approval to be valid for the same decision")
	}

	rescored := d
	rescored.DecidedAt = d.DecidedAt.Add(time.Minute)
	if !manager.IsValid(rescored) {
		t.Error("expected approval to survive a rescore with the same outcome")
	}

	changed := d
	changed.Confidence = 0.25
	if manager.IsValid(changed) {
		t.Error("expected approval to be invalid after the confidence changed")
	}

	changed = d
	changed.OverridesApplied = append([]string{}, "urgency_boost")
	if manager.IsValid(changed) {
		t.Error("expected approval to be invalid after the overrides changed")
	}
}

func TestApprovalManager_Expire(t *testing.T) {
	manager := NewApprovalManager(0, nil)
	d := testDecision("item-001")
	manager.Create(d, "user")

	manager.Expire("item-001")

	if manager.IsValid(d) {
		t.Error("expected approval to be invalid after expiration")
	}
	if manager.Get("item-001") != nil {
		t.Error("expected Get to return nil after expiration")
	}
}

func TestApprovalManager_WaitForApproval(t *testing.T) {
	manager := NewApprovalManager(time.Minute, nil)
	item := &models.WorkItem{ID: "item-001", Description: "rotate keys"}
	req := manager.NewRequest(item, testDecision(item.ID))

	if !req.Deadline.Equal(req.RequestedAt.Add(time.Minute)) {
		t.Errorf("expected deadline one timeout after request, got %v", req.Deadline.Sub(req.RequestedAt))
	}

	done := make(chan ApprovalResponse, 1)
	go func() {
		resp, err := manager.WaitForApproval(context.Background(), req)
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		done <- resp
	}()

	got := <-manager.RequestCh()
	if got.ItemID != "item-001" || got.Description != "rotate keys" {
		t.Errorf("unexpected request %+v", got)
	}
	if !manager.HasPendingRequest("item-001") {
		t.Error("expected pending request")
	}
	if pending := manager.Pending(); len(pending) != 1 {
		t.Errorf("expected 1 pending request, got %d", len(pending))
	}

	if err := manager.SubmitResponse(ApprovalResponse{ItemID: "item-001", Approved: true}); err != nil {
		t.Fatalf("SubmitResponse: %v", err)
	}
	resp := <-done
	if !resp.Approved {
		t.Error("expected approval")
	}
	if manager.HasPendingRequest("item-001") {
		t.Error("expected no pending request after response")
	}
}

func TestApprovalManager_TimeoutRejects(t *testing.T) {
	manager := NewApprovalManager(10*time.Millisecond, nil)
	item := &models.WorkItem{ID: "item-001"}

	resp, err := manager.WaitForApproval(context.Background(), manager.NewRequest(item, testDecision(item.ID)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Approved {
		t.Error("expected timeout to reject")
	}
	if resp.Reason != ReasonApprovalTimeout || resp.By != "timeout" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestApprovalManager_ContextCancelled(t *testing.T) {
	manager := NewApprovalManager(time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := manager.WaitForApproval(ctx, ApprovalRequest{ItemID: "item-001"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestApprovalManager_SubmitWithoutRequest(t *testing.T) {
	manager := NewApprovalManager(0, nil)
	err := manager.SubmitResponse(ApprovalResponse{ItemID: "nobody"})
	if !errors.Is(err, ErrNoPendingApproval) {
		t.Errorf("expected ErrNoPendingApproval, got %v", err)
	}
}

func TestApprovalManager_RequestReusesValidApproval(t *testing.T) {
	manager := NewApprovalManager(time.Minute, nil)
	item := &models.WorkItem{ID: "item-001"}
	d := testDecision(item.ID)
	manager.Create(d, "oncall")

	resp, err := manager.Request(context.Background(), item, d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Approved || resp.By != "oncall" {
		t.Errorf("expected reuse of the oncall approval, got %+v", resp)
	}
	select {
	case req := <-manager.RequestCh():
		t.Errorf("expected no new request, got %+v", req)
	default:
	}
}

func TestApprovalManager_RequestRecordsApproval(t *testing.T) {
	manager := NewApprovalManager(time.Minute, nil)
	item := &models.WorkItem{ID: "item-001"}
	d := testDecision(item.ID)

	go func() {
		req := <-manager.RequestCh()
		_ = manager.SubmitResponse(ApprovalResponse{ItemID: req.ItemID, Approved: true})
	}()

	resp, err := manager.Request(context.Background(), item, d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Approved {
		t.Fatal("expected approval")
	}
	a := manager.Get(item.ID)
	if a == nil || a.ApprovedBy != "user" {
		t.Errorf("expected approval recorded as user, got %+v", a)
	}
}

func TestDecisionHash(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*models.ExecutionDecision)
		sameHash bool
	}{
		{name: "identical", mutate: func(*models.ExecutionDecision) {}, sameHash: true},
		{name: "decided at ignored", mutate: func(d *models.ExecutionDecision) { d.DecidedAt = time.Time{} }, sameHash: true},
		{name: "mode matters", mutate: func(d *models.ExecutionDecision) { d.Mode = models.ModeAssisted }, sameHash: false},
		{name: "item matters", mutate: func(d *models.ExecutionDecision) { d.ItemID = "other" }, sameHash: false},
		{name: "action matters", mutate: func(d *models.ExecutionDecision) { d.Action = "delete" }, sameHash: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := testDecision("item-001")
			b := a
			tc.mutate(&b)
			same := DecisionHash(a) == DecisionHash(b)
			if same != tc.sameHash {
				t.Errorf("expected sameHash=%v", tc.sameHash)
			}
		})
	}
}
