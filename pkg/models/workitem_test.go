package models

import (
	"testing"
	"time"
)

func TestWorkItemStatus_Valid(t *testing.T) {
	tests := []struct {
		name   string
		status WorkItemStatus
		want   bool
	}{
		{"pending is valid", WorkItemStatusPending, true},
		{"ready is valid", WorkItemStatusReady, true},
		{"running is valid", WorkItemStatusRunning, true},
		{"done is valid", WorkItemStatusDone, true},
		{"failed is valid", WorkItemStatusFailed, true},
		{"empty string is invalid", WorkItemStatus(""), false},
		{"in_progress is invalid", WorkItemStatus("in_progress"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.Valid(); got != tt.want {
				t.Errorf("WorkItemStatus(%q).Valid() = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestWorkItemStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to WorkItemStatus
		want     bool
	}{
		{WorkItemStatusPending, WorkItemStatusReady, true},
		{WorkItemStatusPending, WorkItemStatusRunning, false},
		{WorkItemStatusReady, WorkItemStatusRunning, true},
		{WorkItemStatusRunning, WorkItemStatusDone, true},
		{WorkItemStatusRunning, WorkItemStatusFailed, true},
		{WorkItemStatusRunning, WorkItemStatusReady, true},
		{WorkItemStatusDone, WorkItemStatusPending, false},
		{WorkItemStatusFailed, WorkItemStatusReady, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestWorkItem_CloneIsIndependent(t *testing.T) {
	done := time.Now()
	orig := &WorkItem{
		ID:          "a",
		DependsOn:   []string{"b"},
		Context:     ActionContext{ExpertiseTags: []string{"sql"}},
		CompletedAt: &done,
	}

	c := orig.Clone()
	c.DependsOn[0] = "z"
	c.Context.ExpertiseTags[0] = "go"
	*c.CompletedAt = done.Add(time.Hour)

	if orig.DependsOn[0] != "b" {
		t.Errorf("DependsOn shared with clone: %v", orig.DependsOn)
	}
	if orig.Context.ExpertiseTags[0] != "sql" {
		t.Errorf("ExpertiseTags shared with clone: %v", orig.Context.ExpertiseTags)
	}
	if !orig.CompletedAt.Equal(done) {
		t.Errorf("CompletedAt shared with clone")
	}
}

func TestAgentProfile_SharedTags(t *testing.T) {
	p := &AgentProfile{ExpertiseTags: []string{"sql", "migrations"}}
	if got := p.SharedTags([]string{"sql", "kafka", "migrations"}); got != 2 {
		t.Errorf("SharedTags() = %d, want 2", got)
	}
	if p.HasSpecialty("db") {
		t.Error("HasSpecialty(db) = true for profile without specialties")
	}
}
