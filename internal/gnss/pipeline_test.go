package gnss

import (
	"errors"
	"testing"

	"github.com/dumacp/go-aggregator/internal/result"
)

const (
	frameGoodGGA   = "$GPGGA,144135.0,0609.894786,N,07536.099610,W,1,08,0.9,1661.0,M,43.0,M,,*7D"
	frameHighHDOP  = "$GPGGA,144135.0,0609.894786,N,07536.099610,W,1,08,5.0,1661.0,M,43.0,M,,*71"
	frameFewSats   = "$GPGGA,144135.0,0609.894786,N,07536.099610,W,1,02,0.9,1661.0,M,43.0,M,,*77"
	frameTeleport  = "$GPGGA,144136.0,0709.894786,N,07536.099610,W,1,08,0.9,1661.0,M,43.0,M,,*7F"
	frameNearby    = "$GPGGA,144137.0,0609.924786,N,07536.099610,W,1,08,0.9,1661.0,M,43.0,M,,*75"
	frameGoodRMC   = "$GPRMC,144135.0,A,0609.894786,N,07536.099610,W,0.0,0.0,120522,4.7,W,A*05"
	frameVoidRMC   = "$GPRMC,144135.0,V,0609.894786,N,07536.099610,W,0.0,0.0,120522,4.7,W,A*12"
	frameUntracked = "$GPGSV,3,1,11,03,03,111,00,04,15,270,00*74"
)

func TestParseFix(t *testing.T) {
	fix, err := ParseFix(frameGoodGGA)
	if err != nil {
		t.Fatalf("parse GGA: %s", err)
	}
	if fix.Type != prefixGGA || fix.TimeStamp != "144135.0" {
		t.Errorf("fix = %s %s", fix.Type, fix.TimeStamp)
	}
	if fix.Lat < 6.16 || fix.Lat > 6.17 {
		t.Errorf("lat = %v, want about 6.1649", fix.Lat)
	}
	if fix.Lng > -75.6 || fix.Lng < -75.7 {
		t.Errorf("lng = %v, want about -75.60", fix.Lng)
	}

	fix, err = ParseFix(frameGoodRMC)
	if err != nil {
		t.Fatalf("parse RMC: %s", err)
	}
	if fix.Type != prefixRMC {
		t.Errorf("type = %s, want %s", fix.Type, prefixRMC)
	}
}

func TestParseFixVoidRMC(t *testing.T) {
	_, err := ParseFix(frameVoidRMC)
	if !errors.Is(err, result.ErrInvalidParameter) {
		t.Errorf("error = %v, want %v", err, result.ErrInvalidParameter)
	}
}

func TestParseFixUntrackedSentence(t *testing.T) {
	fix, err := ParseFix(frameUntracked)
	if err != nil || fix != nil {
		t.Errorf("ParseFix = %v, %v, want nil, nil", fix, err)
	}
}

func TestAcceptQualityGates(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		ok    bool
	}{
		{name: "good fix", frame: frameGoodGGA, ok: true},
		{name: "high hdop", frame: frameHighHDOP, ok: false},
		{name: "few satellites", frame: frameFewSats, ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPipeline()
			fix, err := p.Accept(tt.frame)
			if tt.ok && (err != nil || fix == nil) {
				t.Errorf("Accept = %v, %v, want fix", fix, err)
			}
			if !tt.ok && err == nil {
				t.Errorf("Accept passed, want rejection")
			}
		})
	}
}

func TestAcceptSpeedGate(t *testing.T) {
	p := NewPipeline()
	if _, err := p.Accept(frameGoodGGA); err != nil {
		t.Fatalf("seed fix: %s", err)
	}
	// one degree of latitude in one second is far beyond any plausible speed
	if _, err := p.Accept(frameTeleport); err == nil {
		t.Error("teleport fix accepted")
	}
	// a nearby fix two seconds later stays under the limit
	if _, err := p.Accept(frameNearby); err != nil {
		t.Errorf("nearby fix rejected: %s", err)
	}
}
