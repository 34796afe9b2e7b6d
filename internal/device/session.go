package device

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openambit/ambit-sync/pkg/ambit"
)

// Options tunes a Session
type Options struct {
	CallTimeout time.Duration
	ChunkSize   int
	MaxLogs     int
	MaxLogSize  uint32
}

func (o *Options) setDefaults() {
	if o.CallTimeout <= 0 {
		o.CallTimeout = 3 * time.Second
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 1024
	}
	if o.MaxLogs <= 0 {
		o.MaxLogs = DefaultMaxLogs
	}
	if o.MaxLogSize == 0 {
		o.MaxLogSize = DefaultMaxLogSize
	}
}

// Bounds applied to counts and sizes reported by the device
const (
	DefaultMaxLogs    = 4096
	DefaultMaxLogSize = 16 << 20
)

// Session is the request/response façade over one device connection. It is
// owned by a single orchestrator and is not safe for concurrent use.
type Session struct {
	conn   Conn
	opts   Options
	seq    uint16
	logger zerolog.Logger
}

// NewSession wraps an open connection
func NewSession(conn Conn, handle string, opts Options) *Session {
	opts.setDefaults()
	return &Session{
		conn:   conn,
		opts:   opts,
		logger: log.With().Str("component", "session").Str("handle", handle).Logger(),
	}
}

// Close closes the underlying connection
func (s *Session) Close() error {
	return s.conn.Close()
}

// call sends one request and waits for the matching reply. Idempotent reads
// are retried once when the device does not answer in time.
func (s *Session) call(ctx context.Context, cmd ambit.Command, payload []byte, idempotent bool) ([]byte, error) {
	reply, err := s.roundTrip(ctx, cmd, payload)
	if err != nil && idempotent && errors.Is(err, ErrDeviceUnresponsive) && ctx.Err() == nil {
		s.logger.Debug().Err(err).Str("command", cmd.String()).Msg("Retrying request")
		reply, err = s.roundTrip(ctx, cmd, payload)
	}
	return reply, err
}

func (s *Session) roundTrip(ctx context.Context, cmd ambit.Command, payload []byte) ([]byte, error) {
	s.seq++
	req := &ambit.Frame{Command: cmd, Sequence: s.seq, Payload: payload}
	data, err := req.MarshalBinary()
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(s.opts.CallTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := s.conn.WriteBytes(data, time.Until(deadline)); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", cmd, ErrDeviceUnresponsive, err)
	}

	r := &deadlineReader{conn: s.conn, deadline: deadline}
	for {
		reply, err := ambit.ReadFrame(r)
		if errors.Is(err, ambit.ErrBadFrame) {
			s.logger.Debug().Err(err).Str("command", cmd.String()).Msg("Discarding bad frame")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w: %w", cmd, ErrDeviceUnresponsive, err)
		}

		if reply.Sequence != req.Sequence || reply.Command != cmd {
			s.logger.Debug().
				Uint16("seq", reply.Sequence).
				Str("command", reply.Command.String()).
				Msg("Discarding stale reply")
			continue
		}

		switch reply.Status {
		case ambit.StatusOK:
			return reply.Payload, nil
		case ambit.StatusUnsupported:
			return nil, fmt.Errorf("%s: %w", cmd, ErrUnsupported)
		case ambit.StatusRejected:
			return nil, fmt.Errorf("%s: %w", cmd, ErrRejected)
		default:
			return nil, fmt.Errorf("%s: %w (%s)", cmd, ErrCommandFailed, reply.Status)
		}
	}
}

// ReadPersonalSettings reads device metadata and the user profile
func (s *Session) ReadPersonalSettings(ctx context.Context) (*ambit.DeviceInfo, error) {
	payload, err := s.call(ctx, ambit.CmdPersonalSettings, nil, true)
	if err != nil {
		return nil, err
	}
	return ambit.DecodeSettings(payload)
}

// SetClock sets the device clock. Failure leaves the device usable.
func (s *Session) SetClock(ctx context.Context, t time.Time) error {
	_, err := s.call(ctx, ambit.CmdTime, ambit.EncodeDateTime(t), false)
	return err
}

// ListLogHeaders enumerates the log index oldest first. A failed enumeration
// is retried once as a whole before ErrSyncAborted is returned.
func (s *Session) ListLogHeaders(ctx context.Context) ([]ambit.LogHeader, error) {
	headers, err := s.listLogHeaders(ctx)
	if err != nil && ctx.Err() == nil && !errors.Is(err, ErrUnsupported) {
		s.logger.Warn().Err(err).Msg("Log enumeration failed, retrying")
		headers, err = s.listLogHeaders(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: list log headers: %w", ErrSyncAborted, err)
	}
	return headers, nil
}

func (s *Session) listLogHeaders(ctx context.Context) ([]ambit.LogHeader, error) {
	payload, err := s.call(ctx, ambit.CmdLogCount, nil, false)
	if err != nil {
		return nil, err
	}
	if len(payload) < 4 {
		return nil, fmt.Errorf("log count reply of %d bytes", len(payload))
	}
	n := binary.LittleEndian.Uint32(payload)
	if uint64(n) > uint64(s.opts.MaxLogs) {
		return nil, fmt.Errorf("%w: device reports %d logs, limit %d", ErrLimitExceeded, n, s.opts.MaxLogs)
	}
	count := int(n)

	headers := make([]ambit.LogHeader, 0, count)
	for i := 0; i < count; i++ {
		cmd := ambit.CmdLogHeadStep
		if i == 0 {
			cmd = ambit.CmdLogHeadFirst
		}

		block, err := s.call(ctx, cmd, nil, false)
		if err != nil {
			return nil, err
		}
		h, err := ambit.DecodeLogHeader(block)
		if err != nil {
			return nil, fmt.Errorf("log header %d of %d: %w", i+1, count, err)
		}
		headers = append(headers, h)
	}

	// the device walks its index newest first
	slices.SortFunc(headers, func(a, b ambit.LogHeader) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	for i := 1; i < len(headers); i++ {
		if headers[i].ID == headers[i-1].ID {
			return nil, fmt.Errorf("duplicate log id %d in index", headers[i].ID)
		}
	}

	return headers, nil
}

// FetchLogBody reads the raw body of one log in chunks
func (s *Session) FetchLogBody(ctx context.Context, h ambit.LogHeader) ([]byte, error) {
	if h.Size > s.opts.MaxLogSize {
		return nil, fmt.Errorf("%w: log %d is %d bytes, limit %d", ErrLimitExceeded, h.ID, h.Size, s.opts.MaxLogSize)
	}
	body := make([]byte, 0, h.Size)
	for uint32(len(body)) < h.Size {
		n := h.Size - uint32(len(body))
		if n > uint32(s.opts.ChunkSize) {
			n = uint32(s.opts.ChunkSize)
		}

		req := make([]byte, 8)
		binary.LittleEndian.PutUint32(req[0:4], h.Address+uint32(len(body)))
		binary.LittleEndian.PutUint32(req[4:8], n)

		chunk, err := s.call(ctx, ambit.CmdLogRead, req, true)
		if err != nil {
			return nil, fmt.Errorf("log %d at offset %d: %w", h.ID, len(body), err)
		}
		if len(chunk) == 0 {
			break
		}
		if uint32(len(chunk)) > n {
			chunk = chunk[:n]
		}
		body = append(body, chunk...)
	}
	return body, nil
}

// FetchOrbitalData reads the header of the ephemeris data cached on the device
func (s *Session) FetchOrbitalData(ctx context.Context) (ambit.OrbitHeader, error) {
	payload, err := s.call(ctx, ambit.CmdGPSOrbitHead, nil, true)
	if err != nil {
		return ambit.OrbitHeader{}, orbitalErr(err)
	}
	h, err := ambit.OrbitHeaderOf(payload)
	if err != nil {
		return ambit.OrbitHeader{}, err
	}
	return h, nil
}

// WriteOrbitalData writes an ephemeris blob followed by its SHA-256 digest
func (s *Session) WriteOrbitalData(ctx context.Context, blob []byte) error {
	digest := ambit.OrbitDigest(blob)
	data := append(append(make([]byte, 0, len(blob)+len(digest)), blob...), digest[:]...)

	start := make([]byte, 4)
	binary.LittleEndian.PutUint32(start, uint32(len(data)))
	if _, err := s.call(ctx, ambit.CmdWriteStart, start, false); err != nil {
		return orbitalErr(err)
	}

	for off := 0; off < len(data); off += s.opts.ChunkSize {
		end := min(off+s.opts.ChunkSize, len(data))
		req := make([]byte, 4+end-off)
		binary.LittleEndian.PutUint32(req[0:4], uint32(off))
		copy(req[4:], data[off:end])

		if _, err := s.call(ctx, ambit.CmdDataWrite, req, false); err != nil {
			return orbitalErr(err)
		}
	}

	return nil
}

func orbitalErr(err error) error {
	if errors.Is(err, ErrUnsupported) || errors.Is(err, ErrRejected) {
		return fmt.Errorf("%w: %w", ErrOrbitalRejected, err)
	}
	return err
}

// LockLog sets the device log lock, which keeps the watch from recording
// while logs are read.
func (s *Session) LockLog(ctx context.Context, lock bool) error {
	state, err := s.call(ctx, ambit.CmdLockCheck, nil, true)
	if err != nil {
		return err
	}
	if len(state) > 0 && (state[0] != 0) == lock {
		return nil
	}

	var v byte
	if lock {
		v = 1
	}
	_, err = s.call(ctx, ambit.CmdLockSet, []byte{v}, false)
	return err
}
