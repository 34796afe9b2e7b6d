// Package devicetest provides an in-process watch that speaks the device
// frame protocol, with fault injection for tests.
package devicetest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openambit/ambit-sync/internal/device"
	"github.com/openambit/ambit-sync/pkg/ambit"
)

// FaultKind selects how a faulted command misbehaves
type FaultKind int

const (
	// FaultHang sends no reply, the request times out
	FaultHang FaultKind = iota
	// FaultStatus replies with Fault.Status
	FaultStatus
	// FaultCorrupt replies with a frame that fails its checksum
	FaultCorrupt
	// FaultPayload replies OK with Fault.Payload
	FaultPayload
)

// Fault makes the next Times requests of Command misbehave. Times zero
// means every request.
type Fault struct {
	Command ambit.Command
	Kind    FaultKind
	Status  ambit.Status
	Payload []byte
	Times   int
}

type storedLog struct {
	header ambit.LogHeader
	body   []byte
}

// Emulator is one emulated watch
type Emulator struct {
	mu      sync.Mutex
	info    ambit.DeviceInfo
	logs    []*storedLog
	nextAdr uint32
	orbit   []byte
	clock   time.Time
	locked  bool
	cursor  int
	faults  []*Fault
	open    bool
	calls   map[ambit.Command]int
	writes  []byte
	wantLen int
	// delay applied before every reply
	latency time.Duration
}

// New creates an emulator with the given metadata
func New(info ambit.DeviceInfo) *Emulator {
	return &Emulator{
		info:    info,
		nextAdr: 0x1000,
		calls:   make(map[ambit.Command]int),
	}
}

// Info returns the emulated settings block contents
func (e *Emulator) Info() ambit.DeviceInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info
}

// AddLog stores a log encoded with the reference encoder and returns its header
func (e *Emulator) AddLog(entry *ambit.LogEntry) ambit.LogHeader {
	return e.AddRawLog(entry.Header, ambit.EncodeLog(entry))
}

// AddRawLog stores body under the header's id, timestamp and summary
func (e *Emulator) AddRawLog(h ambit.LogHeader, body []byte) ambit.LogHeader {
	e.mu.Lock()
	defer e.mu.Unlock()

	h.Address = e.nextAdr
	h.Size = uint32(len(body))
	e.nextAdr += uint32(len(body)) + 0x100
	e.logs = append(e.logs, &storedLog{header: h, body: append([]byte(nil), body...)})
	sort.Slice(e.logs, func(i, j int) bool { return e.logs[i].header.ID < e.logs[j].header.ID })
	return h
}

// SetOrbit sets the ephemeris blob cached on the device
func (e *Emulator) SetOrbit(blob []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.orbit = append([]byte(nil), blob...)
}

// Orbit returns the cached ephemeris blob
func (e *Emulator) Orbit() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]byte(nil), e.orbit...)
}

// Clock returns the last time written by the host
func (e *Emulator) Clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clock
}

// Locked reports the log lock state
func (e *Emulator) Locked() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.locked
}

// SetLatency delays every reply
func (e *Emulator) SetLatency(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.latency = d
}

// Inject adds a fault rule
func (e *Emulator) Inject(f Fault) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults = append(e.faults, &f)
}

// Calls returns how many requests of cmd were received
func (e *Emulator) Calls(cmd ambit.Command) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[cmd]
}

func (e *Emulator) fault(cmd ambit.Command) *Fault {
	for i, f := range e.faults {
		if f.Command != cmd {
			continue
		}
		if f.Times > 0 {
			f.Times--
			if f.Times == 0 {
				e.faults = append(e.faults[:i], e.faults[i+1:]...)
			}
		}
		return f
	}
	return nil
}

// Open implements device.Transport for a single emulated device. The
// handle is ignored; a second concurrent Open fails.
func (e *Emulator) Open(ctx context.Context, handle string) (device.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.open {
		return nil, errors.New("device already open")
	}
	e.open = true
	return &conn{emu: e, closed: make(chan struct{})}, nil
}

// Transport routes handles to emulators
type Transport map[string]*Emulator

// Open implements device.Transport
func (t Transport) Open(ctx context.Context, handle string) (device.Conn, error) {
	e, ok := t[handle]
	if !ok {
		return nil, fmt.Errorf("unknown device handle %q", handle)
	}
	return e.Open(ctx, handle)
}

// handle processes one request and returns the reply frame bytes, or nil
// when the device stays silent.
func (e *Emulator) handle(req *ambit.Frame) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls[req.Command]++
	reply := &ambit.Frame{Command: req.Command, Sequence: req.Sequence}

	if f := e.fault(req.Command); f != nil {
		switch f.Kind {
		case FaultHang:
			return nil
		case FaultStatus:
			reply.Status = f.Status
			return marshal(reply)
		case FaultCorrupt:
			reply.Payload = []byte{0xde, 0xad}
			b := marshal(reply)
			b[len(b)-1] ^= 0xFF
			return b
		case FaultPayload:
			reply.Payload = f.Payload
			return marshal(reply)
		}
	}

	payload, status := e.execute(req)
	reply.Status = status
	reply.Payload = payload
	return marshal(reply)
}

func marshal(f *ambit.Frame) []byte {
	b, err := f.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return b
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// execute runs a command against the device state, e.mu held
func (e *Emulator) execute(req *ambit.Frame) ([]byte, ambit.Status) {
	p := req.Payload

	switch req.Command {
	case ambit.CmdPersonalSettings:
		return ambit.EncodeSettings(&e.info), ambit.StatusOK

	case ambit.CmdTime:
		t, err := ambit.DecodeDateTime(p, time.UTC)
		if err != nil {
			return nil, ambit.StatusError
		}
		e.clock = t
		return nil, ambit.StatusOK

	case ambit.CmdLogCount:
		return u32(uint32(len(e.logs))), ambit.StatusOK

	case ambit.CmdLogHeadFirst, ambit.CmdLogHeadStep:
		// newest first, like the watch walks its ring buffer
		if req.Command == ambit.CmdLogHeadFirst {
			e.cursor = 0
		} else {
			e.cursor++
		}
		if e.cursor >= len(e.logs) {
			return nil, ambit.StatusError
		}
		return ambit.EncodeLogHeader(e.logs[len(e.logs)-1-e.cursor].header), ambit.StatusOK

	case ambit.CmdLogRead:
		if len(p) != 8 {
			return nil, ambit.StatusError
		}
		addr := binary.LittleEndian.Uint32(p[0:4])
		n := binary.LittleEndian.Uint32(p[4:8])
		for _, l := range e.logs {
			start := l.header.Address
			if addr < start || addr > start+uint32(len(l.body)) {
				continue
			}
			off := addr - start
			end := min(off+n, uint32(len(l.body)))
			return append([]byte(nil), l.body[off:end]...), ambit.StatusOK
		}
		return nil, ambit.StatusError

	case ambit.CmdGPSOrbitHead:
		head := make([]byte, 8)
		copy(head, e.orbit)
		return head, ambit.StatusOK

	case ambit.CmdWriteStart:
		if len(p) != 4 {
			return nil, ambit.StatusError
		}
		e.wantLen = int(binary.LittleEndian.Uint32(p))
		e.writes = e.writes[:0]
		return nil, ambit.StatusOK

	case ambit.CmdDataWrite:
		if len(p) < 4 || int(binary.LittleEndian.Uint32(p)) != len(e.writes) {
			return nil, ambit.StatusError
		}
		e.writes = append(e.writes, p[4:]...)
		if len(e.writes) < e.wantLen {
			return nil, ambit.StatusOK
		}
		if len(e.writes) != e.wantLen || e.wantLen < sha256.Size {
			return nil, ambit.StatusError
		}
		blob := e.writes[:e.wantLen-sha256.Size]
		digest := sha256.Sum256(blob)
		if !bytes.Equal(digest[:], e.writes[e.wantLen-sha256.Size:]) {
			return nil, ambit.StatusError
		}
		e.orbit = append([]byte(nil), blob...)
		return nil, ambit.StatusOK

	case ambit.CmdLockCheck:
		if e.locked {
			return []byte{1}, ambit.StatusOK
		}
		return []byte{0}, ambit.StatusOK

	case ambit.CmdLockSet:
		if len(p) != 1 {
			return nil, ambit.StatusError
		}
		e.locked = p[0] != 0
		return nil, ambit.StatusOK

	default:
		return nil, ambit.StatusUnsupported
	}
}

// conn is the host side of an emulated link
type conn struct {
	emu    *Emulator
	mu     sync.Mutex
	out    []byte
	in     []byte
	closed chan struct{}
	once   sync.Once
}

func (c *conn) WriteBytes(b []byte, timeout time.Duration) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}

	c.mu.Lock()
	c.in = append(c.in, b...)
	var replies [][]byte
	for {
		f, err := ambit.ReadFrame(bytes.NewReader(c.in))
		if err != nil {
			break
		}
		n, _ := f.MarshalBinary()
		c.in = c.in[len(n):]
		replies = append(replies, c.emu.handle(f))
	}
	c.mu.Unlock()

	c.emu.mu.Lock()
	latency := c.emu.latency
	c.emu.mu.Unlock()

	for _, r := range replies {
		if r == nil {
			continue
		}
		if latency > 0 {
			go c.deliverLater(r, latency)
			continue
		}
		c.mu.Lock()
		c.out = append(c.out, r...)
		c.mu.Unlock()
	}
	return nil
}

func (c *conn) deliverLater(r []byte, d time.Duration) {
	select {
	case <-time.After(d):
	case <-c.closed:
		return
	}
	c.mu.Lock()
	c.out = append(c.out, r...)
	c.mu.Unlock()
}

func (c *conn) ReadBytes(n int, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		c.mu.Lock()
		if len(c.out) >= n {
			b := append([]byte(nil), c.out[:n]...)
			c.out = c.out[n:]
			c.mu.Unlock()
			return b, nil
		}
		c.mu.Unlock()

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, device.ErrTimeout
		}
		select {
		case <-c.closed:
			return nil, errors.New("connection closed")
		case <-time.After(min(wait, time.Millisecond)):
		}
	}
}

func (c *conn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.emu.mu.Lock()
		c.emu.open = false
		c.emu.mu.Unlock()
	})
	return nil
}
