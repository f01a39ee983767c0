package atcmd

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dumacp/go-aggregator/internal/result"
)

// Loopback is an in-memory Device for tests. Scripted lines are delivered
// asynchronously after the command that triggers them, like real URCs.
type Loopback struct {
	mux    sync.Mutex
	urcs   map[string]func(string)
	sent   []string
	script map[string][]string
	fail   map[string]error
	delay  time.Duration
}

func NewLoopback() *Loopback {
	return &Loopback{
		urcs:   make(map[string]func(string)),
		script: make(map[string][]string),
		fail:   make(map[string]error),
		delay:  5 * time.Millisecond,
	}
}

// Script arranges for lines to be delivered after cmd is sent.
func (d *Loopback) Script(cmd string, lines ...string) {
	d.mux.Lock()
	defer d.mux.Unlock()
	d.script[cmd] = lines
}

// FailOn makes Send return err for cmd.
func (d *Loopback) FailOn(cmd string, err error) {
	d.mux.Lock()
	defer d.mux.Unlock()
	d.fail[cmd] = err
}

func (d *Loopback) Send(cmd string) error {
	d.mux.Lock()
	d.sent = append(d.sent, cmd)
	err := d.fail[cmd]
	lines := d.script[cmd]
	d.mux.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %s", result.ErrTransportFailure, err)
	}
	if len(lines) > 0 {
		go func() {
			for _, line := range lines {
				time.Sleep(d.delay)
				d.Deliver(line)
			}
		}()
	}
	return nil
}

// Deliver injects one incoming line, dispatching it like the serial reader.
func (d *Loopback) Deliver(line string) {
	line = strings.TrimSpace(line)
	if len(line) == 0 || Classify(line) != TypeURC {
		return
	}
	if fn := lookupURC(&d.mux, d.urcs, line); fn != nil {
		fn(line)
	}
}

func (d *Loopback) RegisterURC(prefix string, fn func(line string)) {
	d.mux.Lock()
	defer d.mux.Unlock()
	d.urcs[prefix] = fn
}

func (d *Loopback) Close() error {
	return nil
}

// Sent returns a snapshot of the commands written so far.
func (d *Loopback) Sent() []string {
	d.mux.Lock()
	defer d.mux.Unlock()
	out := make([]string, len(d.sent))
	copy(out, d.sent)
	return out
}
