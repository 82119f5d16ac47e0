package health

import "testing"

func TestNewSchedulerValidatesExpression(t *testing.T) {
	m := NewMonitor(&stubCounts{}, kindCountIndex(0, 0, 0), nil)

	s, err := NewScheduler(m, "*/15 * * * *")
	if err != nil {
		t.Fatalf("NewScheduler with valid schedule: %v", err)
	}
	s.Start()
	s.Stop()

	if _, err := NewScheduler(m, "not a cron line"); err == nil {
		t.Fatal("NewScheduler with invalid schedule succeeded, want error")
	}
}
