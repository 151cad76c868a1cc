package metrics

import (
	"sync"
	"testing"
	"time"
)

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	if c == nil {
		t.Fatal("NewCollector returned nil")
	}

	m := c.GetMetrics()
	if m.RunsStarted != 0 || m.RunsSucceeded != 0 || m.RunsFailed != 0 {
		t.Errorf("Expected zero counters, got %+v", m)
	}
	if m.RunsByTrigger == nil || m.FiresSkipped == nil {
		t.Error("Expected non-nil maps in snapshot")
	}
}

func TestRecordRunLifecycle(t *testing.T) {
	c := NewCollector()

	c.RecordRunStarted("schedule")
	c.RecordRunStarted("schedule")
	c.RecordRunStarted("manual")

	c.RecordRunSucceeded(100 * time.Millisecond)
	c.RecordRunFailed(300 * time.Millisecond)

	m := c.GetMetrics()
	if m.RunsStarted != 3 {
		t.Errorf("Expected RunsStarted = 3, got %d", m.RunsStarted)
	}
	if m.RunsByTrigger["schedule"] != 2 || m.RunsByTrigger["manual"] != 1 {
		t.Errorf("Unexpected RunsByTrigger: %v", m.RunsByTrigger)
	}
	if m.RunsInFlight != 1 {
		t.Errorf("Expected RunsInFlight = 1, got %d", m.RunsInFlight)
	}
	if m.AvgRunDuration != 200*time.Millisecond {
		t.Errorf("Expected AvgRunDuration = 200ms, got %v", m.AvgRunDuration)
	}
	if m.FailureRate != 50 {
		t.Errorf("Expected FailureRate = 50, got %f", m.FailureRate)
	}
}

func TestRecordFires(t *testing.T) {
	c := NewCollector()

	c.RecordFire()
	c.RecordFire()
	c.RecordFire()
	c.RecordFireSkipped(SkipInFlight)
	c.RecordFireSkipped(SkipInFlight)
	c.RecordFireSkipped(SkipNoSource)
	c.RecordStartFailure()
	c.RecordArmed(4)

	m := c.GetMetrics()
	if m.Fires != 3 {
		t.Errorf("Expected Fires = 3, got %d", m.Fires)
	}
	if m.FiresSkipped[SkipInFlight] != 2 || m.FiresSkipped[SkipNoSource] != 1 {
		t.Errorf("Unexpected FiresSkipped: %v", m.FiresSkipped)
	}
	if m.StartFailures != 1 {
		t.Errorf("Expected StartFailures = 1, got %d", m.StartFailures)
	}
	if m.ArmedSchedules != 4 {
		t.Errorf("Expected ArmedSchedules = 4, got %d", m.ArmedSchedules)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	c := NewCollector()
	c.RecordRunStarted("manual")

	m := c.GetMetrics()
	m.RunsByTrigger["manual"] = 99

	if got := c.GetMetrics().RunsByTrigger["manual"]; got != 1 {
		t.Errorf("Snapshot mutation leaked into collector: %d", got)
	}
}

func TestReset(t *testing.T) {
	c := NewCollector()
	c.RecordRunStarted("schedule")
	c.RecordRunFailed(time.Second)
	c.RecordFireSkipped(SkipLocked)
	c.RecordArmed(2)

	c.Reset()

	m := c.GetMetrics()
	if m.RunsStarted != 0 || m.RunsFailed != 0 || m.ArmedSchedules != 0 || len(m.FiresSkipped) != 0 {
		t.Errorf("Expected reset metrics, got %+v", m)
	}
	if m.AvgRunDuration != 0 {
		t.Errorf("Expected zero average after reset, got %v", m.AvgRunDuration)
	}
}

func TestConcurrentRecording(t *testing.T) {
	c := NewCollector()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RecordRunStarted("schedule")
			c.RecordFire()
			c.RecordRunSucceeded(time.Millisecond)
		}()
	}
	wg.Wait()

	m := c.GetMetrics()
	if m.RunsStarted != 50 || m.Fires != 50 || m.RunsSucceeded != 50 {
		t.Errorf("Unexpected counters after concurrent recording: %+v", m)
	}
	if m.RunsInFlight != 0 {
		t.Errorf("Expected no runs in flight, got %d", m.RunsInFlight)
	}
}

func TestDefaultCollector(t *testing.T) {
	ResetMetrics()
	Default().RecordFire()

	if GetMetrics().Fires != 1 {
		t.Errorf("Expected default collector to record fire")
	}
	ResetMetrics()
}
