package epd

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spitest"
)

const all4 = "S2|M2|M1|S1"

func TestModelsValidate(t *testing.T) {
	for name, m := range Models {
		if err := m.Validate(); err != nil {
			t.Errorf("%s: %v", name, err)
		}
	}
	if got := EPD12in48B.PlaneSize(); got != 163*984 {
		t.Errorf("PlaneSize() = %d, want %d", got, 163*984)
	}
}

func TestValidateRejects(t *testing.T) {
	base := func() Model {
		m := EPD12in48B
		m.Quadrants = append([]Quadrant(nil), EPD12in48B.Quadrants...)
		return m
	}
	for _, tc := range []struct {
		name   string
		mutate func(*Model)
	}{
		{name: "overlap", mutate: func(m *Model) { m.Quadrants[1].X -= 8; m.Quadrants[1].Width += 8 }},
		{name: "gap", mutate: func(m *Model) { m.Quadrants[3].Width -= 8 }},
		{name: "unaligned", mutate: func(m *Model) { m.Quadrants[0].Width = 644; m.Quadrants[1].X = 644; m.Quadrants[1].Width = 660 }},
		{name: "outside", mutate: func(m *Model) { m.Quadrants[3].Height++ }},
		{name: "group", mutate: func(m *Model) { m.Quadrants[2].Group = 2 }},
		{name: "empty", mutate: func(m *Model) { m.Quadrants = nil }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := base()
			tc.mutate(&m)
			if err := m.Validate(); err == nil {
				t.Error("Validate() succeeded")
			}
		})
	}
}

func TestNewRejectsWiring(t *testing.T) {
	b := newBench(t, &EPD12in48B)
	l := b.lines()
	l.Busy = l.Busy[:3]
	if _, err := New(b, l, &EPD12in48B, nil); err == nil {
		t.Error("New() accepted three busy lines for four controllers")
	}
}

func TestInit12in48B(t *testing.T) {
	d, b := newBenchDriver(t, &EPD12in48B, nil)
	if err := d.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := []txn{
		cmdTx("M1|S1", 0x00), dataTx("M1|S1", 0x2f),
		cmdTx("S2|M2", 0x00), dataTx("S2|M2", 0x23),
		cmdTx("M2|M1", 0x01), dataTx("M2|M1", 0x07, 0x17, 0x3f, 0x3f, 0x0d),
		cmdTx("M2|M1", 0x06), dataTx("M2|M1", 0x17, 0x17, 0x39, 0x17),
		// Each controller gets its own width: 648 on the left, 656 on the right.
		cmdTx("S2", 0x61), dataTx("S2", 0x02, 0x88, 0x01, 0xec),
		cmdTx("M2", 0x61), dataTx("M2", 0x02, 0x90, 0x01, 0xec),
		cmdTx("M1", 0x61), dataTx("M1", 0x02, 0x88, 0x01, 0xec),
		cmdTx("S1", 0x61), dataTx("S1", 0x02, 0x90, 0x01, 0xec),
		cmdTx(all4, 0x15), dataTx(all4, 0x20),
		cmdTx(all4, 0x30), dataTx(all4, 0x08),
		cmdTx(all4, 0x50), dataTx(all4, 0x31, 0x07),
		cmdTx(all4, 0x60), dataTx(all4, 0x22),
		cmdTx("M2|M1", 0xe0), dataTx("M2|M1", 0x01),
		cmdTx(all4, 0xe3), dataTx(all4, 0x00),
		cmdTx("M2|M1", 0x82), dataTx("M2|M1", 0x1c),
		cmdTx(all4, 0x20), dataTx(all4, lutVCOM[:]...),
		cmdTx(all4, 0x21), dataTx(all4, lutWW[:]...),
		cmdTx(all4, 0x22), dataTx(all4, lutBW[:]...),
		cmdTx(all4, 0x23), dataTx(all4, lutWB[:]...),
		cmdTx(all4, 0x24), dataTx(all4, lutBB[:]...),
		cmdTx(all4, 0x25), dataTx(all4, lutWW[:]...),
	}
	if diff := cmp.Diff(b.txns, want, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Init() difference (-got +want):\n%s", diff)
	}

	// Shared reset lines toggle together.
	wantEvents := []string{
		"rst:0=High", "rst:1=High", "sleep 200ms",
		"rst:0=Low", "rst:1=Low", "sleep 10ms",
		"rst:0=High", "rst:1=High", "sleep 200ms",
	}
	if diff := cmp.Diff(b.events, wantEvents); diff != "" {
		t.Errorf("reset difference (-got +want):\n%s", diff)
	}
	if !b.released() {
		t.Error("chip selects left asserted")
	}
	if got := d.State(); got != StateConfigured {
		t.Errorf("State() = %s, want %s", got, StateConfigured)
	}
}

// frame returns a plane whose bytes encode their position.
func frame(m *Model, seed byte) []byte {
	p := make([]byte, m.PlaneSize())
	for i := range p {
		p[i] = byte(i*7) ^ seed
	}
	return p
}

func cropWant(m *Model, plane []byte, q Quadrant, invert bool) []byte {
	var out []byte
	for y := q.Y; y < q.Y+q.Height; y++ {
		for x := q.X / 8; x < (q.X+q.Width)/8; x++ {
			v := plane[y*m.Stride()+x]
			if invert {
				v = ^v
			}
			out = append(out, v)
		}
	}
	return out
}

func TestDisplay12in48B(t *testing.T) {
	m := &EPD12in48B
	d, b := newBenchDriver(t, m, nil)
	ctx := context.Background()
	if err := d.Init(ctx); err != nil {
		t.Fatal(err)
	}
	b.reset()

	white, red := frame(m, 0x00), frame(m, 0x5a)
	if err := d.Display(ctx, white, red); err != nil {
		t.Fatal(err)
	}

	var want []txn
	for _, q := range m.Quadrants {
		want = append(want,
			cmdTx(q.Name, 0x10), dataTx(q.Name, cropWant(m, white, q, false)...),
			cmdTx(q.Name, 0x13), dataTx(q.Name, cropWant(m, red, q, true)...))
	}
	want = append(want, cmdTx("M2|M1", 0x04), cmdTx(all4, 0x12), cmdTx(all4, 0x71))
	if diff := cmp.Diff(b.txns, want); diff != "" {
		t.Errorf("Display() difference (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(b.events, []string{"sleep 300ms", "sleep 200ms"}); diff != "" {
		t.Errorf("Display() delays (-got +want):\n%s", diff)
	}
	for _, n := range b.chunks {
		if n > DefaultMaxTxSize {
			t.Errorf("transfer of %d bytes exceeds %d", n, DefaultMaxTxSize)
		}
	}
	if got := d.State(); got != StateIdle {
		t.Errorf("State() = %s, want %s", got, StateIdle)
	}
}

func TestDisplay2in7B(t *testing.T) {
	m := &EPD2in7B
	d, b := newBenchDriver(t, m, nil)
	ctx := context.Background()
	if err := d.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if len(b.txns) != 32 {
		t.Errorf("Init() sent %d transactions, want 32", len(b.txns))
	}
	b.reset()

	white, red := frame(m, 0x11), frame(m, 0x22)
	if err := d.Display(ctx, white, red); err != nil {
		t.Fatal(err)
	}
	inv := bytes.Clone(red)
	for i := range inv {
		inv[i] = ^inv[i]
	}
	want := []txn{
		cmdTx("main", 0x10), dataTx("main", white...),
		cmdTx("main", 0x13), dataTx("main", inv...),
		cmdTx("main", 0x04), cmdTx("main", 0x12), cmdTx("main", 0x02),
	}
	if diff := cmp.Diff(b.txns, want); diff != "" {
		t.Errorf("Display() difference (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(b.events, []string{"sleep 10ms", "sleep 10ms", "sleep 20ms"}); diff != "" {
		t.Errorf("Display() delays (-got +want):\n%s", diff)
	}

	b.reset()
	if err := d.Sleep(ctx); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(b.txns, []txn{cmdTx("main", 0x07), dataTx("main", 0xa5)}); diff != "" {
		t.Errorf("Sleep() difference (-got +want):\n%s", diff)
	}
}

func TestClear(t *testing.T) {
	m := &EPD2in7B
	d, b := newBenchDriver(t, m, nil)
	ctx := context.Background()
	if err := d.Init(ctx); err != nil {
		t.Fatal(err)
	}
	b.reset()
	if err := d.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	// White register all 1 (no black), red register all 0 (no red).
	if !bytes.Equal(b.txns[1].Data, bytes.Repeat([]byte{0xff}, m.PlaneSize())) {
		t.Error("Clear() white plane is not blank")
	}
	if !bytes.Equal(b.txns[3].Data, make([]byte, m.PlaneSize())) {
		t.Error("Clear() red plane is not blank")
	}
}

func TestSleep12in48B(t *testing.T) {
	d, b := newBenchDriver(t, &EPD12in48B, nil)
	ctx := context.Background()
	if err := d.Init(ctx); err != nil {
		t.Fatal(err)
	}
	b.reset()
	if err := d.Sleep(ctx); err != nil {
		t.Fatal(err)
	}
	want := []txn{cmdTx(all4, 0x02), cmdTx(all4, 0x07), dataTx(all4, 0xa5)}
	if diff := cmp.Diff(b.txns, want); diff != "" {
		t.Errorf("Sleep() difference (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(b.events, []string{"sleep 300ms", "sleep 300ms"}); diff != "" {
		t.Errorf("Sleep() delays (-got +want):\n%s", diff)
	}

	if err := d.Display(ctx, frame(d.Model(), 0), frame(d.Model(), 0)); !errors.Is(err, ErrState) {
		t.Errorf("Display() after Sleep() = %v, want ErrState", err)
	}
	if err := d.Init(ctx); err != nil {
		t.Errorf("Init() after Sleep() = %v", err)
	}
}

func TestStateErrors(t *testing.T) {
	d, b := newBenchDriver(t, &EPD2in7B, nil)
	ctx := context.Background()
	plane := frame(d.Model(), 0)

	if err := d.Display(ctx, plane, plane); !errors.Is(err, ErrState) {
		t.Errorf("Display() before Init() = %v, want ErrState", err)
	}
	if err := d.Clear(ctx); !errors.Is(err, ErrState) {
		t.Errorf("Clear() before Init() = %v, want ErrState", err)
	}
	if err := d.Sleep(ctx); !errors.Is(err, ErrState) {
		t.Errorf("Sleep() before Init() = %v, want ErrState", err)
	}
	if len(b.txns) != 0 {
		t.Errorf("rejected operations sent %d transactions", len(b.txns))
	}
}

func TestDisplayMalformed(t *testing.T) {
	d, b := newBenchDriver(t, &EPD12in48B, nil)
	ctx := context.Background()
	if err := d.Init(ctx); err != nil {
		t.Fatal(err)
	}
	b.reset()

	n := d.Model().PlaneSize()
	for _, tc := range []struct{ white, red int }{{n - 1, n}, {n, n + 1}, {0, 0}} {
		err := d.Display(ctx, make([]byte, tc.white), make([]byte, tc.red))
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("Display(%d, %d bytes) = %v, want ErrMalformed", tc.white, tc.red, err)
		}
	}
	if len(b.txns) != 0 {
		t.Errorf("malformed planes sent %d transactions", len(b.txns))
	}
	if got := d.State(); got != StateConfigured {
		t.Errorf("State() = %s, want %s", got, StateConfigured)
	}
}

func TestBusErrorReleasesChipSelect(t *testing.T) {
	d, b := newBenchDriver(t, &EPD12in48B, nil)
	ctx := context.Background()
	if err := d.Init(ctx); err != nil {
		t.Fatal(err)
	}
	b.failAt = b.calls + 2 // first data write of S2

	err := d.Display(ctx, frame(d.Model(), 0), frame(d.Model(), 1))
	var be *BusError
	if !errors.As(err, &be) || !errors.Is(err, errBus) {
		t.Fatalf("Display() = %v, want a BusError wrapping %v", err, errBus)
	}
	if !b.released() {
		t.Error("chip selects left asserted after a bus error")
	}
	if got := d.State(); got != StateFault {
		t.Errorf("State() = %s, want %s", got, StateFault)
	}
	if err := d.Clear(ctx); !errors.Is(err, ErrState) {
		t.Errorf("Clear() in fault = %v, want ErrState", err)
	}
	if err := d.Init(ctx); err != nil {
		t.Errorf("Init() after fault = %v", err)
	}
}

func TestDisplayWaitsForEveryController(t *testing.T) {
	busy := []*stubBusy{newStubBusy(), newStubBusy(), newStubBusy(), newStubBusy()}
	d, _ := newBenchDriver(t, &EPD12in48B, &Opts{Poll: time.Millisecond},
		busy[0], busy[1], busy[2], busy[3])
	ctx := context.Background()
	if err := d.Init(ctx); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- d.Display(ctx, frame(d.Model(), 0), frame(d.Model(), 0))
	}()
	for _, i := range []int{2, 0, 3} {
		busy[i].release()
	}
	select {
	case err := <-done:
		t.Fatalf("Display() returned %v while M2 was still busy", err)
	case <-time.After(50 * time.Millisecond):
	}
	busy[1].release()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Display() did not return after every controller went idle")
	}
	if got := d.State(); got != StateIdle {
		t.Errorf("State() = %s, want %s", got, StateIdle)
	}
}

func TestDisplayBusyTimeout(t *testing.T) {
	d, _ := newBenchDriver(t, &EPD2in7B, &Opts{Poll: time.Millisecond}, newStubBusy())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// Init itself waits for the busy line first.
	err := d.Init(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Init() = %v, want %v", err, context.DeadlineExceeded)
	}
	if got := d.State(); got != StateFault {
		t.Errorf("State() = %s, want %s", got, StateFault)
	}
}

func TestDisplayOverSPI(t *testing.T) {
	m := &EPD2in7B
	rec := &spitest.Record{}
	conn, err := rec.Connect(physic.MegaHertz, spi.Mode0, 8)
	if err != nil {
		t.Fatal(err)
	}
	cs, dc, rst := &gpiotest.Pin{N: "CS"}, &gpiotest.Pin{N: "DC"}, &gpiotest.Pin{N: "RST"}
	busy := &gpiotest.Pin{N: "BUSY", L: gpio.High}
	lines := Lines{
		CS:    []OutputLine{cs},
		Busy:  []BusyLine{busy},
		DC:    []OutputLine{dc},
		Reset: []OutputLine{rst},
	}
	d, err := New(conn, lines, m, &Opts{MaxTxSize: 512, Sleep: func(time.Duration) {}})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := d.Init(ctx); err != nil {
		t.Fatal(err)
	}
	initOps := len(rec.Ops)

	white, red := frame(m, 1), frame(m, 2)
	if err := d.Display(ctx, white, red); err != nil {
		t.Fatal(err)
	}
	ops := rec.Ops[initOps:]

	// 5808 bytes per plane in 512 byte transfers: 11 full and one of 176.
	const chunks = 12
	if got, want := len(ops), 1+chunks+1+chunks+3; got != want {
		t.Fatalf("Display() made %d transfers, want %d", got, want)
	}
	var gotWhite []byte
	for _, op := range ops[1 : 1+chunks] {
		if len(op.W) > 512 {
			t.Errorf("transfer of %d bytes", len(op.W))
		}
		gotWhite = append(gotWhite, op.W...)
	}
	if !bytes.Equal(gotWhite, white) {
		t.Error("white plane corrupted by chunking")
	}
	if diff := cmp.Diff(ops[1+chunks].W, []byte{0x13}); diff != "" {
		t.Errorf("red register command (-got +want):\n%s", diff)
	}
	if cs.L != gpio.High || rst.L != gpio.High {
		t.Errorf("lines left at cs=%s rst=%s", cs.L, rst.L)
	}
}
