package ambit

import (
	"encoding/binary"
	"time"
)

const (
	timestampSize = 8
	// LogHeaderSize is the size of one log index block
	LogHeaderSize = 32
)

// putTimestamp writes year u16, month, day, hour, minute u8, msec-of-minute u16
func putTimestamp(b []byte, t time.Time) {
	binary.LittleEndian.PutUint16(b[0:2], uint16(t.Year()))
	b[2] = byte(t.Month())
	b[3] = byte(t.Day())
	b[4] = byte(t.Hour())
	b[5] = byte(t.Minute())
	msec := t.Second()*1000 + t.Nanosecond()/int(time.Millisecond)
	binary.LittleEndian.PutUint16(b[6:8], uint16(msec))
}

func readTimestamp(b []byte, loc *time.Location) (time.Time, bool) {
	year := int(binary.LittleEndian.Uint16(b[0:2]))
	month, day, hour, minute := int(b[2]), int(b[3]), int(b[4]), int(b[5])
	msec := int(binary.LittleEndian.Uint16(b[6:8]))
	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 || msec >= 60000 {
		return time.Time{}, false
	}
	return time.Date(year, time.Month(month), day, hour, minute, msec/1000, (msec%1000)*int(time.Millisecond), loc), true
}

// EncodeDateTime builds the payload of a set-time request
func EncodeDateTime(t time.Time) []byte {
	b := make([]byte, timestampSize)
	putTimestamp(b, t)
	return b
}

// DecodeDateTime parses a set-time payload in the given location
func DecodeDateTime(b []byte, loc *time.Location) (time.Time, error) {
	if len(b) != timestampSize {
		return time.Time{}, malformed("date time length %d", len(b))
	}
	t, ok := readTimestamp(b, loc)
	if !ok {
		return time.Time{}, malformed("invalid date time")
	}
	return t, nil
}

// DecodeLogHeader parses one block of the device log index
func DecodeLogHeader(data []byte) (LogHeader, error) {
	if len(data) != LogHeaderSize {
		return LogHeader{}, malformed("log header length %d, expected %d", len(data), LogHeaderSize)
	}
	if got, want := binary.LittleEndian.Uint16(data[30:32]), crc16(data[:30]); got != want {
		return LogHeader{}, malformed("log header crc 0x%04x, expected 0x%04x", got, want)
	}

	ts, ok := readTimestamp(data[12:20], time.UTC)
	if !ok {
		return LogHeader{}, malformed("log header timestamp")
	}

	return LogHeader{
		ID:        binary.LittleEndian.Uint32(data[0:4]),
		Address:   binary.LittleEndian.Uint32(data[4:8]),
		Size:      binary.LittleEndian.Uint32(data[8:12]),
		Timestamp: ts,
		Duration:  millis(data[20:24]),
		Distance:  binary.LittleEndian.Uint32(data[24:28]),
		Activity:  ActivityType(data[28]),
	}, nil
}

// EncodeLogHeader is the inverse of DecodeLogHeader
func EncodeLogHeader(h LogHeader) []byte {
	data := make([]byte, LogHeaderSize)
	binary.LittleEndian.PutUint32(data[0:4], h.ID)
	binary.LittleEndian.PutUint32(data[4:8], h.Address)
	binary.LittleEndian.PutUint32(data[8:12], h.Size)
	putTimestamp(data[12:20], h.Timestamp)
	binary.LittleEndian.PutUint32(data[20:24], offsetMillis(h.Duration))
	binary.LittleEndian.PutUint32(data[24:28], h.Distance)
	data[28] = byte(h.Activity)
	binary.LittleEndian.PutUint16(data[30:32], crc16(data[:30]))
	return data
}
