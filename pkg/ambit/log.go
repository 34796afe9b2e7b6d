package ambit

import (
	"bytes"
	"encoding/binary"
	"math"
	"time"
)

// Log body layout constants
const (
	LogMagic         = "PMEM"
	LogFormatVersion = 1

	logPreambleSize   = 12
	logHeaderSize     = 40
	blockHeaderSize   = 9
	blockChecksumSize = 2
)

// DecodeLog parses the raw body of one log.
//
// A structurally broken body (magic, version, length, header checksum) fails
// with a *MalformedLogError and no entry. A corrupt sample block only drops
// that series: the entry is returned together with a *PartialLogError.
func DecodeLog(data []byte) (*LogEntry, error) {
	if len(data) < logPreambleSize {
		return nil, malformed("short buffer: %d bytes", len(data))
	}
	if string(data[0:4]) != LogMagic {
		return nil, malformed("bad magic %q", data[0:4])
	}
	if data[4] != LogFormatVersion {
		return nil, malformed("unknown format version %d", data[4])
	}
	if n := binary.LittleEndian.Uint16(data[6:8]); n != logHeaderSize {
		return nil, malformed("header length %d, expected %d", n, logHeaderSize)
	}
	total := binary.LittleEndian.Uint32(data[8:12])
	if total < logPreambleSize+logHeaderSize {
		return nil, malformed("declared length %d too small", total)
	}
	if uint64(len(data)) < uint64(total) {
		return nil, malformed("truncated body: %d of %d bytes", len(data), total)
	}

	// The entry keeps slices of the body, so detach it from the caller's buffer.
	data = bytes.Clone(data[:total])

	hdr := data[logPreambleSize : logPreambleSize+logHeaderSize]
	if got, want := binary.LittleEndian.Uint16(hdr[38:40]), crc16(hdr[:38]); got != want {
		return nil, malformed("header crc 0x%04x, expected 0x%04x", got, want)
	}
	ts, ok := readTimestamp(hdr[4:12], time.UTC)
	if !ok {
		return nil, malformed("invalid timestamp")
	}

	entry := &LogEntry{
		Header: LogHeader{
			ID:        binary.LittleEndian.Uint32(hdr[0:4]),
			Size:      total,
			Timestamp: ts,
			Duration:  millis(hdr[12:16]),
			Distance:  binary.LittleEndian.Uint32(hdr[16:20]),
			Activity:  ActivityType(hdr[30]),
		},
		Stats: Stats{
			AvgHeartRate:       hdr[20],
			MaxHeartRate:       hdr[21],
			MinHeartRate:       hdr[22],
			PeakTrainingEffect: float64(hdr[23]) / 10,
			Ascent:             binary.LittleEndian.Uint16(hdr[24:26]),
			Descent:            binary.LittleEndian.Uint16(hdr[26:28]),
			Calories:           binary.LittleEndian.Uint16(hdr[28:30]),
		},
	}

	d := blockDecoder{entry: entry}
	d.run(data[logPreambleSize+logHeaderSize:], int(hdr[31]))

	if len(entry.Partial) > 0 {
		return entry, &PartialLogError{LogID: entry.Header.ID, Dropped: entry.Partial, Reason: d.reason}
	}
	return entry, nil
}

type blockDecoder struct {
	entry  *LogEntry
	seen   map[SampleKind]bool
	reason string
}

func (d *blockDecoder) drop(kind SampleKind, reason string) {
	d.entry.Partial = append(d.entry.Partial, kind)
	if d.reason == "" {
		d.reason = reason
	}
}

func (d *blockDecoder) run(rest []byte, count int) {
	d.seen = make(map[SampleKind]bool, count)

	for i := 0; i < count; i++ {
		if len(rest) < blockHeaderSize {
			var kind SampleKind
			if len(rest) > 0 {
				kind = SampleKind(rest[0])
			}
			d.drop(kind, "truncated sample block header")
			return
		}

		kind := SampleKind(rest[0])
		n := binary.LittleEndian.Uint32(rest[1:5])
		length := binary.LittleEndian.Uint32(rest[5:9])
		if uint64(length)+blockChecksumSize > uint64(len(rest)-blockHeaderSize) {
			d.drop(kind, "sample block overruns body")
			return
		}

		samples := rest[blockHeaderSize : blockHeaderSize+length]
		sum := binary.LittleEndian.Uint16(rest[blockHeaderSize+length:])
		rest = rest[blockHeaderSize+length+blockChecksumSize:]

		if sum != crc16(samples) {
			d.drop(kind, kind.String()+" block checksum mismatch")
			continue
		}
		if d.seen[kind] {
			d.drop(kind, "duplicate "+kind.String()+" block")
			continue
		}
		d.seen[kind] = true

		var ok bool
		switch kind {
		case KindHeartRate:
			d.entry.HeartRate, ok = blockSeries(heartRateCodec, n, samples)
		case KindGPS:
			d.entry.Track, ok = blockSeries(gpsCodec, n, samples)
		case KindAltitude:
			d.entry.Altitude, ok = blockSeries(altitudeCodec, n, samples)
		case KindPace:
			d.entry.Pace, ok = blockSeries(paceCodec, n, samples)
		default:
			d.drop(kind, "unknown sample kind")
			continue
		}
		if !ok {
			d.drop(kind, kind.String()+" block length does not match sample count")
		}
	}
}

func blockSeries[T any](c *sampleCodec[T], n uint32, samples []byte) (Series[T], bool) {
	if uint64(n)*uint64(c.width) != uint64(len(samples)) {
		return Series[T]{}, false
	}
	if n == 0 {
		return Series[T]{}, true
	}
	return Series[T]{codec: c, raw: samples}, true
}

// EncodeLog is the reference encoder for DecodeLog. Empty series are omitted
// and the Partial field is ignored.
func EncodeLog(e *LogEntry) []byte {
	blocks := [][]byte{}
	appendBlock := func(kind SampleKind, n int, raw []byte) {
		if n == 0 {
			return
		}
		b := make([]byte, blockHeaderSize+len(raw)+blockChecksumSize)
		b[0] = byte(kind)
		binary.LittleEndian.PutUint32(b[1:5], uint32(n))
		binary.LittleEndian.PutUint32(b[5:9], uint32(len(raw)))
		copy(b[blockHeaderSize:], raw)
		binary.LittleEndian.PutUint16(b[blockHeaderSize+len(raw):], crc16(raw))
		blocks = append(blocks, b)
	}
	appendBlock(KindHeartRate, e.HeartRate.Len(), e.HeartRate.wire())
	appendBlock(KindGPS, e.Track.Len(), e.Track.wire())
	appendBlock(KindAltitude, e.Altitude.Len(), e.Altitude.wire())
	appendBlock(KindPace, e.Pace.Len(), e.Pace.wire())

	total := logPreambleSize + logHeaderSize
	for _, b := range blocks {
		total += len(b)
	}

	data := make([]byte, logPreambleSize+logHeaderSize, total)
	copy(data[0:4], LogMagic)
	data[4] = LogFormatVersion
	binary.LittleEndian.PutUint16(data[6:8], logHeaderSize)
	binary.LittleEndian.PutUint32(data[8:12], uint32(total))

	hdr := data[logPreambleSize:]
	binary.LittleEndian.PutUint32(hdr[0:4], e.Header.ID)
	putTimestamp(hdr[4:12], e.Header.Timestamp)
	binary.LittleEndian.PutUint32(hdr[12:16], offsetMillis(e.Header.Duration))
	binary.LittleEndian.PutUint32(hdr[16:20], e.Header.Distance)
	hdr[20] = e.Stats.AvgHeartRate
	hdr[21] = e.Stats.MaxHeartRate
	hdr[22] = e.Stats.MinHeartRate
	hdr[23] = uint8(math.Round(e.Stats.PeakTrainingEffect * 10))
	binary.LittleEndian.PutUint16(hdr[24:26], e.Stats.Ascent)
	binary.LittleEndian.PutUint16(hdr[26:28], e.Stats.Descent)
	binary.LittleEndian.PutUint16(hdr[28:30], e.Stats.Calories)
	hdr[30] = byte(e.Header.Activity)
	hdr[31] = byte(len(blocks))
	binary.LittleEndian.PutUint16(hdr[38:40], crc16(hdr[:38]))

	for _, b := range blocks {
		data = append(data, b...)
	}
	return data
}
