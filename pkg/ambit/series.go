package ambit

import (
	"encoding/binary"
	"iter"
	"slices"
	"time"
)

// sampleCodec describes the fixed-width wire layout of one sample kind
type sampleCodec[T any] struct {
	kind   SampleKind
	width  int
	decode func(b []byte) T
	encode func(b []byte, s T)
}

func offsetMillis(d time.Duration) uint32 {
	return uint32(d / time.Millisecond)
}

func millis(b []byte) time.Duration {
	return time.Duration(binary.LittleEndian.Uint32(b)) * time.Millisecond
}

var heartRateCodec = &sampleCodec[HeartRateSample]{
	kind:  KindHeartRate,
	width: 5,
	decode: func(b []byte) HeartRateSample {
		return HeartRateSample{Offset: millis(b), BPM: b[4]}
	},
	encode: func(b []byte, s HeartRateSample) {
		binary.LittleEndian.PutUint32(b, offsetMillis(s.Offset))
		b[4] = s.BPM
	},
}

var gpsCodec = &sampleCodec[GPSSample]{
	kind:  KindGPS,
	width: 12,
	decode: func(b []byte) GPSSample {
		return GPSSample{
			Offset:      millis(b),
			LatitudeE7:  int32(binary.LittleEndian.Uint32(b[4:])),
			LongitudeE7: int32(binary.LittleEndian.Uint32(b[8:])),
		}
	},
	encode: func(b []byte, s GPSSample) {
		binary.LittleEndian.PutUint32(b, offsetMillis(s.Offset))
		binary.LittleEndian.PutUint32(b[4:], uint32(s.LatitudeE7))
		binary.LittleEndian.PutUint32(b[8:], uint32(s.LongitudeE7))
	},
}

var altitudeCodec = &sampleCodec[AltitudeSample]{
	kind:  KindAltitude,
	width: 8,
	decode: func(b []byte) AltitudeSample {
		return AltitudeSample{Offset: millis(b), Centimeters: int32(binary.LittleEndian.Uint32(b[4:]))}
	},
	encode: func(b []byte, s AltitudeSample) {
		binary.LittleEndian.PutUint32(b, offsetMillis(s.Offset))
		binary.LittleEndian.PutUint32(b[4:], uint32(s.Centimeters))
	},
}

var paceCodec = &sampleCodec[PaceSample]{
	kind:  KindPace,
	width: 6,
	decode: func(b []byte) PaceSample {
		return PaceSample{Offset: millis(b), Speed: binary.LittleEndian.Uint16(b[4:])}
	},
	encode: func(b []byte, s PaceSample) {
		binary.LittleEndian.PutUint32(b, offsetMillis(s.Offset))
		binary.LittleEndian.PutUint16(b[4:], s.Speed)
	},
}

// Series is an ordered sequence of samples kept in wire form and decoded
// on iteration. The zero value is an empty series.
type Series[T any] struct {
	codec *sampleCodec[T]
	raw   []byte
}

func newSeries[T any](c *sampleCodec[T], samples []T) Series[T] {
	if len(samples) == 0 {
		return Series[T]{}
	}
	raw := make([]byte, len(samples)*c.width)
	for i, s := range samples {
		c.encode(raw[i*c.width:], s)
	}
	return Series[T]{codec: c, raw: raw}
}

// NewHeartRateSeries builds a heart rate series from samples
func NewHeartRateSeries(samples []HeartRateSample) Series[HeartRateSample] {
	return newSeries(heartRateCodec, samples)
}

// NewGPSSeries builds a GPS track from samples
func NewGPSSeries(samples []GPSSample) Series[GPSSample] {
	return newSeries(gpsCodec, samples)
}

// NewAltitudeSeries builds an altitude series from samples
func NewAltitudeSeries(samples []AltitudeSample) Series[AltitudeSample] {
	return newSeries(altitudeCodec, samples)
}

// NewPaceSeries builds a pace series from samples
func NewPaceSeries(samples []PaceSample) Series[PaceSample] {
	return newSeries(paceCodec, samples)
}

// Len returns the number of samples
func (s Series[T]) Len() int {
	if s.codec == nil {
		return 0
	}
	return len(s.raw) / s.codec.width
}

// At decodes the i-th sample
func (s Series[T]) At(i int) T {
	w := s.codec.width
	return s.codec.decode(s.raw[i*w : (i+1)*w])
}

// All yields the samples in order, decoding each one as it is reached
func (s Series[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for i := 0; i < s.Len(); i++ {
			if !yield(s.At(i)) {
				return
			}
		}
	}
}

// Collect decodes every sample into a slice
func (s Series[T]) Collect() []T {
	return slices.Collect(s.All())
}

func (s Series[T]) wire() []byte {
	return s.raw
}
