package models

import "testing"

func TestSubTaskStatus_Valid(t *testing.T) {
	tests := []struct {
		name   string
		status SubTaskStatus
		want   bool
	}{
		{"pending is valid", SubTaskStatusPending, true},
		{"ready is valid", SubTaskStatusReady, true},
		{"running is valid", SubTaskStatusRunning, true},
		{"done is valid", SubTaskStatusDone, true},
		{"failed is valid", SubTaskStatusFailed, true},
		{"empty string is invalid", SubTaskStatus(""), false},
		{"typo status is invalid", SubTaskStatus("pendingg"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.Valid(); got != tt.want {
				t.Errorf("SubTaskStatus(%q).Valid() = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestPlanStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status PlanStatus
		want   bool
	}{
		{PlanStatusDecomposing, false},
		{PlanStatusRunning, false},
		{PlanStatusVerifying, false},
		{PlanStatusDone, true},
		{PlanStatusFailed, true},
		{PlanStatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.want {
				t.Errorf("PlanStatus(%q).IsTerminal() = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestPlan_Helpers(t *testing.T) {
	plan := &Plan{
		Subtasks: []*SubTask{
			{ID: "a", Status: SubTaskStatusDone},
			{ID: "b", Status: SubTaskStatusFailed},
			{ID: "c", Status: SubTaskStatusPending, DependsOn: []string{"a"}},
		},
	}

	if plan.Subtask("c") == nil {
		t.Fatal("Subtask(c) returned nil")
	}
	if plan.Subtask("missing") != nil {
		t.Error("Subtask(missing) should be nil")
	}
	if plan.AllTerminal() {
		t.Error("AllTerminal() should be false with a pending subtask")
	}

	counts := plan.Counts()
	if counts[SubTaskStatusDone] != 1 || counts[SubTaskStatusPending] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}

	clone := plan.Clone()
	clone.Subtasks[2].DependsOn[0] = "x"
	clone.Subtasks[2].Status = SubTaskStatusDone
	if plan.Subtasks[2].DependsOn[0] != "a" || plan.Subtasks[2].Status != SubTaskStatusPending {
		t.Error("Clone() shares state with the original")
	}
}
