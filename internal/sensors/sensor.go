// Package sensors holds the sensor collaborator contract and a generic
// poll-driven sensor. Sensors are thin: the orchestration core only needs
// their period/enable/publish switches.
package sensors

import (
	"fmt"
	"sync"
	"time"

	"github.com/dumacp/go-logs/pkg/logs"

	"github.com/dumacp/go-aggregator/internal/result"
	"github.com/dumacp/go-aggregator/pkg/messages"
)

type Status struct {
	Ready          bool
	Enabled        bool
	PublishEnabled bool
	Period         time.Duration
}

type Sensor interface {
	Name() string
	SetPeriod(d time.Duration) error
	Enable()
	Disable()
	EnablePublish(on bool)
	Status() Status
}

type SampleFunc func() (float64, error)
type EmitFunc func(r messages.SensorReading)

// PollSensor samples on a ticker and emits readings while enabled and
// publish is on.
type PollSensor struct {
	name      string
	minPeriod time.Duration
	sample    SampleFunc
	emit      EmitFunc

	mux     sync.Mutex
	period  time.Duration
	enabled bool
	publish bool
	quit    chan int
}

func NewPollSensor(name string, period, minPeriod time.Duration, sample SampleFunc, emit EmitFunc) *PollSensor {
	return &PollSensor{
		name:      name,
		minPeriod: minPeriod,
		period:    period,
		sample:    sample,
		emit:      emit,
	}
}

func (s *PollSensor) Name() string { return s.name }

func (s *PollSensor) SetPeriod(d time.Duration) error {
	if d <= 0 || d < s.minPeriod {
		return fmt.Errorf("%w: period %v below minimum %v for %q",
			result.ErrInvalidParameter, d, s.minPeriod, s.name)
	}
	s.mux.Lock()
	s.period = d
	restart := s.enabled
	s.mux.Unlock()
	if restart {
		s.Disable()
		s.Enable()
	}
	return nil
}

func (s *PollSensor) Enable() {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.enabled {
		return
	}
	s.enabled = true
	s.quit = make(chan int)
	go s.run(s.period, s.quit)
}

func (s *PollSensor) Disable() {
	s.mux.Lock()
	defer s.mux.Unlock()
	if !s.enabled {
		return
	}
	s.enabled = false
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
	s.quit = nil
}

func (s *PollSensor) EnablePublish(on bool) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.publish = on
}

func (s *PollSensor) Status() Status {
	s.mux.Lock()
	defer s.mux.Unlock()
	return Status{
		Ready:          true,
		Enabled:        s.enabled,
		PublishEnabled: s.publish,
		Period:         s.period,
	}
}

func (s *PollSensor) run(period time.Duration, quit <-chan int) {
	t1 := time.NewTicker(period)
	defer t1.Stop()
	for {
		select {
		case <-t1.C:
			v, err := s.sample()
			if err != nil {
				logs.LogWarn.Printf("sensor %q: %s", s.name, err)
				continue
			}
			s.mux.Lock()
			publish := s.publish
			s.mux.Unlock()
			if publish && s.emit != nil {
				s.emit(messages.SensorReading{
					Sensor:    s.name,
					Value:     v,
					Timestamp: time.Now(),
				})
			}
		case <-quit:
			return
		}
	}
}
