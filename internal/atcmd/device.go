package atcmd

import (
	"bufio"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dumacp/go-logs/pkg/logs"
	"github.com/sony/gobreaker"
	"github.com/tarm/serial"

	"github.com/dumacp/go-aggregator/internal/result"
)

// Device is the command sink the module drivers talk to. Send is not
// request/response atomic; completions arrive as URC lines through the
// handlers registered with RegisterURC.
type Device interface {
	Send(cmd string) error
	RegisterURC(prefix string, fn func(line string))
	Close() error
}

// SerialDevice drives one serial port. A reader goroutine tokenizes
// incoming lines and dispatches URCs by longest registered prefix.
type SerialDevice struct {
	name    string
	port    *serial.Port
	breaker *gobreaker.CircuitBreaker
	mux     sync.Mutex
	urcs    map[string]func(string)
	quit    chan int
}

func OpenSerial(name string, baud int) (*SerialDevice, error) {
	config := &serial.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: 3 * time.Second,
	}
	port, err := serial.OpenPort(config)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %s", result.ErrTransportFailure, name, err)
	}
	d := &SerialDevice{
		name: name,
		port: port,
		urcs: make(map[string]func(string)),
		quit: make(chan int),
	}
	d.breaker = newBreaker(name)
	go d.listen()
	return d, nil
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 10 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logs.LogWarn.Printf("breaker %q: %s -> %s", name, from, to)
		},
	})
}

func (d *SerialDevice) Send(cmd string) error {
	_, err := d.breaker.Execute(func() (interface{}, error) {
		if _, err := d.port.Write([]byte(cmd + CRLF)); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %s", result.ErrTransportFailure, d.name, err)
	}
	return nil
}

func (d *SerialDevice) RegisterURC(prefix string, fn func(line string)) {
	d.mux.Lock()
	defer d.mux.Unlock()
	d.urcs[prefix] = fn
}

func (d *SerialDevice) Close() error {
	select {
	case <-d.quit:
	default:
		close(d.quit)
	}
	return d.port.Close()
}

func (d *SerialDevice) listen() {
	reader := bufio.NewReader(d.port)
	countFail := 0
	for {
		select {
		case <-d.quit:
			return
		default:
		}
		raw, err := reader.ReadBytes('\n')
		if err != nil {
			if len(raw) == 0 {
				continue
			}
			countFail++
			if countFail > 6 {
				logs.LogWarn.Printf("error listen port %s: %s", d.name, err)
				countFail = 0
				time.Sleep(3 * time.Second)
			}
			continue
		}
		countFail = 0
		line := strings.TrimSpace(string(raw))
		if len(line) == 0 {
			continue
		}
		d.dispatch(line)
	}
}

// dispatch routes one incoming line. Only unsolicited lines reach the URC
// handlers; finals and prompts answer fire-and-forget commands and are only
// logged.
func (d *SerialDevice) dispatch(line string) {
	switch Classify(line) {
	case TypeURC:
		if fn := lookupURC(&d.mux, d.urcs, line); fn != nil {
			fn(line)
			return
		}
		logs.LogBuild.Printf("unhandled URC %s: %q", d.name, line)
	case TypeFinal:
		logs.LogBuild.Printf("final %s: %q", d.name, line)
	case TypePrompt:
		logs.LogBuild.Printf("prompt %s", d.name)
	default:
		logs.LogBuild.Printf("unhandled line %s: %q", d.name, line)
	}
}

// lookupURC returns the handler with the longest prefix matching line.
func lookupURC(mux *sync.Mutex, urcs map[string]func(string), line string) func(string) {
	mux.Lock()
	defer mux.Unlock()
	best := ""
	for prefix := range urcs {
		if strings.HasPrefix(line, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if len(best) == 0 {
		return nil
	}
	return urcs[best]
}
