package ambit

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntry(id uint32) *LogEntry {
	return &LogEntry{
		Header: LogHeader{
			ID:        id,
			Timestamp: time.Date(2024, 5, 12, 7, 31, 12, 250*int(time.Millisecond), time.UTC),
			Duration:  42*time.Minute + 17*time.Second + 300*time.Millisecond,
			Distance:  8412,
			Activity:  3,
		},
		Stats: Stats{
			AvgHeartRate:       148,
			MaxHeartRate:       181,
			MinHeartRate:       92,
			PeakTrainingEffect: 3.4,
			Ascent:             212,
			Descent:            208,
			Calories:           611,
		},
		HeartRate: NewHeartRateSeries([]HeartRateSample{
			{Offset: 0, BPM: 92},
			{Offset: 2 * time.Second, BPM: 118},
			{Offset: 4 * time.Second, BPM: 131},
		}),
		Track: NewGPSSeries([]GPSSample{
			{Offset: time.Second, LatitudeE7: 601699820, LongitudeE7: 249384590},
			{Offset: 3 * time.Second, LatitudeE7: 601700120, LongitudeE7: 249385010},
		}),
		Altitude: NewAltitudeSeries([]AltitudeSample{
			{Offset: 0, Centimeters: 1250},
			{Offset: 10 * time.Second, Centimeters: -300},
		}),
		Pace: NewPaceSeries([]PaceSample{
			{Offset: 5 * time.Second, Speed: 312},
		}),
	}
}

// block offsets inside an encoded testEntry body
func blockOffsets(t *testing.T, data []byte) []int {
	t.Helper()
	var offs []int
	pos := logPreambleSize + logHeaderSize
	for pos < len(data) {
		offs = append(offs, pos)
		pos += blockHeaderSize + int(binary.LittleEndian.Uint32(data[pos+5:])) + blockChecksumSize
	}
	return offs
}

func resealHeader(data []byte) {
	hdr := data[logPreambleSize : logPreambleSize+logHeaderSize]
	binary.LittleEndian.PutUint16(hdr[38:40], crc16(hdr[:38]))
}

func TestCRC16(t *testing.T) {
	assert.Equal(t, uint16(0x29B1), crc16([]byte("123456789")))
	assert.Equal(t, uint16(0xFFFF), crc16(nil))
}

func TestDecodeLog_RoundTrip(t *testing.T) {
	cases := map[string]*LogEntry{
		"all series": testEntry(10),
		"no samples": {
			Header: LogHeader{ID: 1, Timestamp: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)},
		},
		"heart rate only": {
			Header:    LogHeader{ID: 7, Timestamp: time.Date(2023, 12, 31, 23, 59, 59, 999*int(time.Millisecond), time.UTC)},
			Stats:     Stats{AvgHeartRate: 120, PeakTrainingEffect: 1.1},
			HeartRate: NewHeartRateSeries([]HeartRateSample{{Offset: time.Second, BPM: 120}}),
		},
	}

	for name, want := range cases {
		t.Run(name, func(t *testing.T) {
			raw := EncodeLog(want)

			got, err := DecodeLog(raw)
			require.NoError(t, err)

			expected := *want
			expected.Header.Size = uint32(len(raw))
			assert.Equal(t, &expected, got)
			assert.False(t, got.IsPartial())
		})
	}
}

func TestDecodeLog_Deterministic(t *testing.T) {
	raw := EncodeLog(testEntry(3))

	a, err := DecodeLog(raw)
	require.NoError(t, err)
	b, err := DecodeLog(raw)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotSame(t, a, b)

	// mutating the input afterwards must not leak into the entry
	for i := range raw {
		raw[i] = 0
	}
	assert.Equal(t, a, b)
	assert.Equal(t, testEntry(3).HeartRate.Collect(), a.HeartRate.Collect())
}

func TestDecodeLog_Samples(t *testing.T) {
	entry, err := DecodeLog(EncodeLog(testEntry(1)))
	require.NoError(t, err)

	assert.Equal(t, 3, entry.HeartRate.Len())
	assert.Equal(t, uint8(118), entry.HeartRate.At(1).BPM)

	track := entry.Track.Collect()
	require.Len(t, track, 2)
	assert.InDelta(t, 60.169982, track[0].Latitude(), 1e-9)
	assert.InDelta(t, 24.938459, track[0].Longitude(), 1e-9)

	assert.InDelta(t, -3.0, entry.Altitude.At(1).Meters(), 1e-9)

	var seen int
	for s := range entry.HeartRate.All() {
		seen++
		if s.BPM > 100 {
			break
		}
	}
	assert.Equal(t, 2, seen)

	pace := entry.Pace.At(0).Pace()
	assert.InDelta(t, 320.5, pace.Seconds(), 0.1)
	assert.Zero(t, PaceSample{}.Pace())
}

func TestDecodeLog_Malformed(t *testing.T) {
	valid := EncodeLog(testEntry(5))

	mutate := func(f func(b []byte) []byte) []byte {
		b := append([]byte(nil), valid...)
		return f(b)
	}

	cases := map[string][]byte{
		"empty":       nil,
		"short":       valid[:8],
		"bad magic":   mutate(func(b []byte) []byte { b[0] = 'X'; return b }),
		"bad version": mutate(func(b []byte) []byte { b[4] = 2; return b }),
		"header length": mutate(func(b []byte) []byte {
			binary.LittleEndian.PutUint16(b[6:8], 41)
			return b
		}),
		"declared length too small": mutate(func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[8:12], 20)
			return b
		}),
		"truncated body": valid[:len(valid)-1],
		"header only":    valid[:logPreambleSize+logHeaderSize],
		"header crc":     mutate(func(b []byte) []byte { b[logPreambleSize+2] ^= 0xFF; return b }),
		"invalid timestamp": mutate(func(b []byte) []byte {
			b[logPreambleSize+6] = 13
			resealHeader(b)
			return b
		}),
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			entry, err := DecodeLog(raw)
			require.Error(t, err)
			assert.Nil(t, entry)
			assert.True(t, errors.Is(err, ErrMalformedLog))
			assert.False(t, errors.Is(err, ErrPartialLog))

			var me *MalformedLogError
			require.True(t, errors.As(err, &me))
			assert.NotEmpty(t, me.Reason)
		})
	}
}

func TestDecodeLog_Partial(t *testing.T) {
	want := testEntry(11)
	valid := EncodeLog(want)
	offs := blockOffsets(t, valid)
	require.Len(t, offs, 4)

	t.Run("corrupt gps block keeps the rest", func(t *testing.T) {
		raw := append([]byte(nil), valid...)
		raw[offs[1]+blockHeaderSize+3] ^= 0x55

		entry, err := DecodeLog(raw)
		require.NotNil(t, entry)
		require.True(t, errors.Is(err, ErrPartialLog))

		var pe *PartialLogError
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, uint32(11), pe.LogID)
		assert.Equal(t, []SampleKind{KindGPS}, pe.Dropped)

		assert.True(t, entry.IsPartial())
		assert.Equal(t, want.Stats, entry.Stats)
		assert.Equal(t, want.Header.Timestamp, entry.Header.Timestamp)
		assert.Zero(t, entry.Track.Len())
		assert.Equal(t, want.HeartRate.Collect(), entry.HeartRate.Collect())
		assert.Equal(t, want.Altitude.Collect(), entry.Altitude.Collect())
		assert.Equal(t, want.Pace.Collect(), entry.Pace.Collect())
	})

	t.Run("unknown kind", func(t *testing.T) {
		raw := append([]byte(nil), valid...)
		raw[offs[2]] = 9

		entry, err := DecodeLog(raw)
		require.True(t, errors.Is(err, ErrPartialLog))
		assert.Equal(t, []SampleKind{SampleKind(9)}, entry.Partial)
		assert.Zero(t, entry.Altitude.Len())
		assert.Equal(t, 1, entry.Pace.Len())
	})

	t.Run("count does not match length", func(t *testing.T) {
		raw := append([]byte(nil), valid...)
		binary.LittleEndian.PutUint32(raw[offs[0]+1:], 4)

		entry, err := DecodeLog(raw)
		require.True(t, errors.Is(err, ErrPartialLog))
		assert.Equal(t, []SampleKind{KindHeartRate}, entry.Partial)
		assert.Equal(t, 2, entry.Track.Len())
	})

	t.Run("block overruns body", func(t *testing.T) {
		raw := append([]byte(nil), valid...)
		binary.LittleEndian.PutUint32(raw[offs[3]+5:], 1000)

		entry, err := DecodeLog(raw)
		require.True(t, errors.Is(err, ErrPartialLog))
		assert.Equal(t, []SampleKind{KindPace}, entry.Partial)
		assert.Equal(t, 2, entry.Altitude.Len())
	})

	t.Run("missing trailing block", func(t *testing.T) {
		raw := append([]byte(nil), valid...)
		raw[logPreambleSize+31] = 5
		resealHeader(raw)

		entry, err := DecodeLog(raw)
		require.True(t, errors.Is(err, ErrPartialLog))
		assert.Len(t, entry.Partial, 1)
		assert.Equal(t, 1, entry.Pace.Len())
	})

	t.Run("trailing bytes beyond declared length are ignored", func(t *testing.T) {
		raw := append(append([]byte(nil), valid...), 0xde, 0xad)

		entry, err := DecodeLog(raw)
		require.NoError(t, err)
		assert.Equal(t, uint32(len(valid)), entry.Header.Size)
	})
}
