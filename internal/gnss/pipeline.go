package gnss

import (
	"container/list"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dumacp/gpsnmea"
	"github.com/golang/geo/s2"

	"github.com/dumacp/go-aggregator/internal/result"
)

const (
	prefixGGA = "$GPGGA"
	prefixRMC = "$GPRMC"
)

// Fix is one validated position.
type Fix struct {
	Raw       string
	Type      string
	Lat       float64
	Lng       float64
	TimeStamp string
	When      time.Time
}

// Pipeline gates raw NMEA sentences before they are accepted as fixes:
// dilution of precision, satellite count and speed plausibility against the
// recent fix history.
type Pipeline struct {
	mux         sync.Mutex
	maxHDOP     float64
	minSats     int64
	maxSpeedKmh float64
	recent      *list.List
}

func NewPipeline() *Pipeline {
	return &Pipeline{
		maxHDOP:     1.7,
		minSats:     3,
		maxSpeedKmh: 120,
		recent:      list.New(),
	}
}

// Accept validates one sentence. It returns nil, nil for sentence types the
// pipeline does not track.
func (p *Pipeline) Accept(frame string) (*Fix, error) {
	fix, err := ParseFix(frame)
	if err != nil {
		return nil, err
	}
	if fix == nil {
		return nil, nil
	}
	if fix.Type == prefixGGA {
		vg := gpsnmea.ParseGGA(frame)
		if vg.HDop > p.maxHDOP {
			return nil, fmt.Errorf("fix rejected, HDOP %v: %q", vg.HDop, frame)
		}
		if int64(vg.NumberSat) < p.minSats {
			return nil, fmt.Errorf("fix rejected, %v satellites: %q", vg.NumberSat, frame)
		}
	}
	p.mux.Lock()
	defer p.mux.Unlock()
	if !p.plausibleLocked(fix) {
		return nil, fmt.Errorf("fix rejected, implausible speed: %q", frame)
	}
	p.pushLocked(fix)
	return fix, nil
}

// ParseFix extracts position and timestamp from a GGA or RMC sentence
// without quality gating. Unknown sentence types return nil, nil.
func ParseFix(frame string) (*Fix, error) {
	switch {
	case strings.HasPrefix(frame, prefixGGA):
		vg := gpsnmea.ParseGGA(frame)
		if vg == nil {
			return nil, fmt.Errorf("%w: invalid frame %q", result.ErrInvalidParameter, frame)
		}
		return &Fix{
			Raw:       frame,
			Type:      prefixGGA,
			Lat:       gpsnmea.LatLongToDecimalDegree(vg.Lat, vg.LatCord),
			Lng:       gpsnmea.LatLongToDecimalDegree(vg.Long, vg.LongCord),
			TimeStamp: vg.TimeStamp,
			When:      time.Now(),
		}, nil
	case strings.HasPrefix(frame, prefixRMC):
		vg := gpsnmea.ParseRMC(frame)
		if vg == nil {
			return nil, fmt.Errorf("%w: invalid frame %q", result.ErrInvalidParameter, frame)
		}
		if !vg.Validity {
			return nil, fmt.Errorf("%w: fix not valid %q", result.ErrInvalidParameter, frame)
		}
		return &Fix{
			Raw:       frame,
			Type:      prefixRMC,
			Lat:       gpsnmea.LatLongToDecimalDegree(vg.Lat, vg.LatCord),
			Lng:       gpsnmea.LatLongToDecimalDegree(vg.Long, vg.LongCord),
			TimeStamp: vg.TimeStamp,
			When:      time.Now(),
		}, nil
	default:
		return nil, nil
	}
}

// plausibleLocked rejects a fix that would require moving faster than
// maxSpeedKmh from any recent fix.
func (p *Pipeline) plausibleLocked(fix *Fix) bool {
	t1, err := parseFixTime(fix.TimeStamp)
	if err != nil {
		return true
	}
	for e := p.recent.Front(); e != nil; e = e.Next() {
		prev := e.Value.(*Fix)
		t0, err := parseFixTime(prev.TimeStamp)
		if err != nil || !t1.After(t0) {
			continue
		}
		hours := t1.Sub(t0).Hours()
		p0 := s2.LatLngFromDegrees(prev.Lat, prev.Lng)
		p1 := s2.LatLngFromDegrees(fix.Lat, fix.Lng)
		km := p0.Distance(p1).Degrees() * 111.139
		if km/hours > p.maxSpeedKmh {
			return false
		}
	}
	return true
}

func (p *Pipeline) pushLocked(fix *Fix) {
	if p.recent.Len() > 5 {
		if e := p.recent.Front(); e != nil {
			p.recent.Remove(e)
		}
	}
	p.recent.PushBack(fix)
}

func parseFixTime(ts string) (time.Time, error) {
	if i := strings.Index(ts, "."); i >= 0 {
		ts = ts[:i]
	}
	return time.Parse("150405", ts)
}
