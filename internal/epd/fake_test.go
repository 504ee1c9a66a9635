package epd

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// txn is one bus transaction as seen by the controllers: the chip selects
// asserted while it ran, whether data/command was low, and the bytes.
type txn struct {
	CS   string
	Cmd  bool
	Data []byte
}

func cmdTx(cs string, b byte) txn {
	return txn{CS: cs, Cmd: true, Data: []byte{b}}
}

func dataTx(cs string, b ...byte) txn {
	return txn{CS: cs, Data: b}
}

// bench is a fake panel wiring recording every line change and transfer.
type bench struct {
	t     *testing.T
	model *Model

	mu     sync.Mutex
	levels map[string]gpio.Level
	txns   []txn
	chunks []int
	events []string
	gen    int
	txGen  int

	// failAt makes the n-th Tx call fail, counting from 1.
	failAt int
	calls  int
}

var errBus = errors.New("bus fault")

func newBench(t *testing.T, m *Model) *bench {
	return &bench{t: t, model: m, levels: map[string]gpio.Level{}, txGen: -1}
}

type benchLine struct {
	b    *bench
	name string
}

func (l benchLine) Out(v gpio.Level) error {
	b := l.b
	b.mu.Lock()
	defer b.mu.Unlock()
	b.levels[l.name] = v
	switch {
	case strings.HasPrefix(l.name, "cs:"):
		b.gen++
	case strings.HasPrefix(l.name, "rst:"):
		b.events = append(b.events, fmt.Sprintf("%s=%s", l.name, v))
	}
	return nil
}

type idleLine struct{}

func (idleLine) Read() gpio.Level { return gpio.High }
func (idleLine) WaitForEdge(time.Duration) bool { return true }

// lines returns the wiring; busy lines default to always idle.
func (b *bench) lines(busy ...BusyLine) Lines {
	var l Lines
	for i, q := range b.model.Quadrants {
		l.CS = append(l.CS, benchLine{b, "cs:" + q.Name})
		if i < len(busy) {
			l.Busy = append(l.Busy, busy[i])
		} else {
			l.Busy = append(l.Busy, idleLine{})
		}
	}
	for g := 0; g < b.model.Groups; g++ {
		l.DC = append(l.DC, benchLine{b, fmt.Sprintf("dc:%d", g)})
		l.Reset = append(l.Reset, benchLine{b, fmt.Sprintf("rst:%d", g)})
	}
	return l
}

func (b *bench) sleep(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, "sleep "+d.String())
}

func (b *bench) Tx(w, r []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.calls == b.failAt {
		return errBus
	}

	var names []string
	var dc []gpio.Level
	for _, q := range b.model.Quadrants {
		if b.levels["cs:"+q.Name] != gpio.Low {
			continue
		}
		names = append(names, q.Name)
		dc = append(dc, b.levels[fmt.Sprintf("dc:%d", q.Group)])
	}
	for _, l := range dc {
		if l != dc[0] {
			b.t.Errorf("transaction to %v with mixed data/command levels", names)
		}
	}
	if len(names) == 0 {
		b.t.Errorf("transfer of %d bytes with no chip select asserted", len(w))
	}

	b.chunks = append(b.chunks, len(w))
	if b.gen == b.txGen && len(b.txns) > 0 {
		last := &b.txns[len(b.txns)-1]
		last.Data = append(last.Data, w...)
		return nil
	}
	b.txGen = b.gen
	b.txns = append(b.txns, txn{CS: strings.Join(names, "|"), Cmd: len(dc) > 0 && dc[0] == gpio.Low, Data: append([]byte(nil), w...)})
	return nil
}

// released reports whether every chip select is deasserted.
func (b *bench) released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range b.model.Quadrants {
		if b.levels["cs:"+q.Name] != gpio.High {
			return false
		}
	}
	return true
}

func (b *bench) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.txns = nil
	b.chunks = nil
	b.events = nil
}

func newBenchDriver(t *testing.T, m *Model, opts *Opts, busy ...BusyLine) (*Driver, *bench) {
	t.Helper()
	b := newBench(t, m)
	if opts == nil {
		opts = &Opts{}
	}
	opts.Sleep = b.sleep
	d, err := New(b, b.lines(busy...), m, opts)
	if err != nil {
		t.Fatal(err)
	}
	return d, b
}

// stubBusy stays busy until release is called.
type stubBusy struct {
	done chan struct{}
	once sync.Once
}

func newStubBusy() *stubBusy {
	return &stubBusy{done: make(chan struct{})}
}

func (s *stubBusy) release() {
	s.once.Do(func() { close(s.done) })
}

func (s *stubBusy) Read() gpio.Level {
	select {
	case <-s.done:
		return gpio.High
	default:
		return gpio.Low
	}
}

func (s *stubBusy) WaitForEdge(timeout time.Duration) bool {
	select {
	case <-s.done:
		return true
	case <-time.After(timeout):
		return false
	}
}
