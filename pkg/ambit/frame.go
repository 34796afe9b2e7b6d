package ambit

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Command identifies a device request
type Command uint16

// Device commands
const (
	CmdDeviceInfo       Command = 0x0000
	CmdTime             Command = 0x0300
	CmdDate             Command = 0x0302
	CmdStatus           Command = 0x0306
	CmdPersonalSettings Command = 0x0b00
	CmdLogCount         Command = 0x0b06
	CmdLogHeadFirst     Command = 0x0b07
	CmdLogHeadStep      Command = 0x0b0a
	CmdLogHead          Command = 0x0b0b
	CmdGPSOrbitHead     Command = 0x0b15
	CmdDataWrite        Command = 0x0b16
	CmdLogRead          Command = 0x0b17
	CmdLockCheck        Command = 0x0b19
	CmdLockSet          Command = 0x0b1a
	CmdWriteStart       Command = 0x0b1b
)

func (c Command) String() string {
	switch c {
	case CmdDeviceInfo:
		return "device_info"
	case CmdTime:
		return "time"
	case CmdDate:
		return "date"
	case CmdStatus:
		return "status"
	case CmdPersonalSettings:
		return "personal_settings"
	case CmdLogCount:
		return "log_count"
	case CmdLogHeadFirst:
		return "log_head_first"
	case CmdLogHeadStep:
		return "log_head_step"
	case CmdLogHead:
		return "log_head"
	case CmdGPSOrbitHead:
		return "gps_orbit_head"
	case CmdDataWrite:
		return "data_write"
	case CmdLogRead:
		return "log_read"
	case CmdLockCheck:
		return "lock_check"
	case CmdLockSet:
		return "lock_set"
	case CmdWriteStart:
		return "write_start"
	default:
		return fmt.Sprintf("cmd(0x%04x)", uint16(c))
	}
}

// Status is the reply status byte
type Status uint8

const (
	StatusOK          Status = 0
	StatusUnsupported Status = 1
	StatusRejected    Status = 2
	StatusError       Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUnsupported:
		return "unsupported"
	case StatusRejected:
		return "rejected"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Frame layout: start | command u16 | sequence u16 | status u8 | length u16 | payload | crc16
const (
	FrameStart      byte = 0xA9
	frameHeaderSize      = 8
	MaxFramePayload      = 0xFFFF
)

// Frame is one request or reply exchanged with the device
type Frame struct {
	Command  Command
	Sequence uint16
	Status   Status
	Payload  []byte
}

// MarshalBinary encodes the frame including its checksum
func (f *Frame) MarshalBinary() ([]byte, error) {
	if len(f.Payload) > MaxFramePayload {
		return nil, fmt.Errorf("frame payload too large: %d bytes", len(f.Payload))
	}

	data := make([]byte, frameHeaderSize+len(f.Payload)+2)
	data[0] = FrameStart
	binary.LittleEndian.PutUint16(data[1:3], uint16(f.Command))
	binary.LittleEndian.PutUint16(data[3:5], f.Sequence)
	data[5] = byte(f.Status)
	binary.LittleEndian.PutUint16(data[6:8], uint16(len(f.Payload)))
	copy(data[frameHeaderSize:], f.Payload)

	end := frameHeaderSize + len(f.Payload)
	binary.LittleEndian.PutUint16(data[end:], crc16(data[1:end]))

	return data, nil
}

// ReadFrame reads and verifies one frame from r
func ReadFrame(r io.Reader) (*Frame, error) {
	hdr := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	if hdr[0] != FrameStart {
		return nil, fmt.Errorf("%w: start byte 0x%02x", ErrBadFrame, hdr[0])
	}

	n := int(binary.LittleEndian.Uint16(hdr[6:8]))
	rest := make([]byte, n+2)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}

	crc := crc16Update(crc16(hdr[1:]), rest[:n])
	if got := binary.LittleEndian.Uint16(rest[n:]); got != crc {
		return nil, fmt.Errorf("%w: crc 0x%04x, expected 0x%04x", ErrBadFrame, got, crc)
	}

	return &Frame{
		Command:  Command(binary.LittleEndian.Uint16(hdr[1:3])),
		Sequence: binary.LittleEndian.Uint16(hdr[3:5]),
		Status:   Status(hdr[5]),
		Payload:  rest[:n],
	}, nil
}
