package scheduler

import (
	"errors"
	"testing"
	"time"
)

func TestInstanceTransitions(t *testing.T) {
	tests := []struct {
		name    string
		path    []InstanceStatus
		wantErr bool
	}{
		{name: "happy path", path: []InstanceStatus{StatusReady, StatusRunning, StatusSuccess}},
		{name: "retry then success", path: []InstanceStatus{StatusReady, StatusRunning, StatusFailed, StatusReady, StatusRunning, StatusSuccess}},
		{name: "upstream failed while pending", path: []InstanceStatus{StatusUpstreamFailed}},
		{name: "cancelled while ready", path: []InstanceStatus{StatusReady, StatusUpstreamFailed}},
		{name: "skip ready", path: []InstanceStatus{StatusRunning}, wantErr: true},
		{name: "success is final", path: []InstanceStatus{StatusReady, StatusRunning, StatusSuccess, StatusReady}, wantErr: true},
		{name: "upstream failed is final", path: []InstanceStatus{StatusUpstreamFailed, StatusReady}, wantErr: true},
		{name: "running cannot be skipped", path: []InstanceStatus{StatusReady, StatusRunning, StatusUpstreamFailed}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ti := NewInstance("task")
			var err error
			for _, to := range tt.path {
				if err = ti.Transition(to, time.Now(), nil); err != nil {
					break
				}
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestInstanceBookkeeping(t *testing.T) {
	ti := NewInstance("Stage_events")
	t0 := time.Date(2019, 1, 12, 0, 0, 0, 0, time.UTC)
	boom := errors.New("connection reset")

	steps := []struct {
		to  InstanceStatus
		at  time.Time
		err error
	}{
		{StatusReady, t0, nil},
		{StatusRunning, t0, nil},
		{StatusFailed, t0.Add(time.Second), boom},
		{StatusReady, t0.Add(2 * time.Second), nil},
		{StatusRunning, t0.Add(2 * time.Second), nil},
		{StatusSuccess, t0.Add(3 * time.Second), nil},
	}
	for _, s := range steps {
		if err := ti.Transition(s.to, s.at, s.err); err != nil {
			t.Fatalf("Transition(%s): %v", s.to, err)
		}
	}

	if ti.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", ti.Attempts)
	}
	if !ti.StartTime.Equal(t0) {
		t.Errorf("StartTime = %v, want first attempt start", ti.StartTime)
	}
	if ti.Duration() != 3*time.Second {
		t.Errorf("Duration = %v", ti.Duration())
	}
	if ti.Err != nil {
		t.Errorf("Err = %v after success", ti.Err)
	}
}

func TestInstanceUpstreamFailedRecordsSentinel(t *testing.T) {
	ti := NewInstance("Load_songplays_fact_table")
	if err := ti.Transition(StatusUpstreamFailed, time.Now(), nil); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(ti.Err, ErrUpstreamFailed) {
		t.Errorf("Err = %v, want ErrUpstreamFailed", ti.Err)
	}
	if ti.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", ti.Attempts)
	}
}

func TestStatusNames(t *testing.T) {
	for s := StatusPending; s <= StatusUpstreamFailed; s++ {
		got, err := ParseStatus(s.String())
		if err != nil || got != s {
			t.Errorf("ParseStatus(%q) = %v, %v", s.String(), got, err)
		}
	}
	if StatusRunning.IsTerminal() || !StatusUpstreamFailed.IsTerminal() {
		t.Error("IsTerminal misclassifies")
	}
}
