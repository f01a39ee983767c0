package sensors

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dumacp/go-aggregator/internal/result"
	"github.com/dumacp/go-aggregator/pkg/messages"
)

type collector struct {
	mux      sync.Mutex
	readings []messages.SensorReading
}

func (c *collector) emit(r messages.SensorReading) {
	c.mux.Lock()
	c.readings = append(c.readings, r)
	c.mux.Unlock()
}

func (c *collector) count() int {
	c.mux.Lock()
	defer c.mux.Unlock()
	return len(c.readings)
}

func TestSetPeriodValidation(t *testing.T) {
	s := NewPollSensor("temperature", time.Second, 100*time.Millisecond,
		func() (float64, error) { return 21.5, nil }, nil)
	if err := s.SetPeriod(10 * time.Millisecond); !errors.Is(err, result.ErrInvalidParameter) {
		t.Errorf("error = %v, want %v", err, result.ErrInvalidParameter)
	}
	if got := s.Status().Period; got != time.Second {
		t.Errorf("period = %v, want unchanged 1s", got)
	}
	if err := s.SetPeriod(200 * time.Millisecond); err != nil {
		t.Errorf("valid period rejected: %s", err)
	}
}

func TestEmitGatedByPublish(t *testing.T) {
	c := &collector{}
	s := NewPollSensor("temperature", 10*time.Millisecond, time.Millisecond,
		func() (float64, error) { return 21.5, nil }, c.emit)

	s.Enable()
	time.Sleep(50 * time.Millisecond)
	if got := c.count(); got != 0 {
		t.Fatalf("readings = %d before publish enabled, want 0", got)
	}

	s.EnablePublish(true)
	time.Sleep(100 * time.Millisecond)
	if got := c.count(); got == 0 {
		t.Fatal("no readings with publish enabled")
	}

	s.EnablePublish(false)
	s.Disable()
	at := c.count()
	time.Sleep(50 * time.Millisecond)
	if got := c.count(); got != at {
		t.Errorf("readings kept flowing after disable: %d -> %d", at, got)
	}
}

func TestEnableIsIdempotent(t *testing.T) {
	c := &collector{}
	s := NewPollSensor("uptime", 20*time.Millisecond, time.Millisecond,
		func() (float64, error) { return 1, nil }, c.emit)
	s.EnablePublish(true)
	s.Enable()
	s.Enable()
	time.Sleep(110 * time.Millisecond)
	s.Disable()
	// a doubled ticker would roughly double the rate
	if got := c.count(); got > 8 {
		t.Errorf("readings = %d, want a single ticker's worth", got)
	}
	if s.Status().Enabled {
		t.Error("status still enabled after disable")
	}
}
