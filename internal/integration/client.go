// Package integration delivers decoded logs to the cloud service and fetches
// GPS orbital data from it.
package integration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openambit/ambit-sync/pkg/ambit"
)

// Delivery error classes. Submit errors wrap exactly one of them.
var (
	ErrTransient = errors.New("transient upload failure")
	ErrPermanent = errors.New("permanent upload failure")
)

func transient(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}

func permanent(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrPermanent, fmt.Sprintf(format, args...))
}

// Client submits one document and returns the cloud acknowledgment id
type Client interface {
	Submit(ctx context.Context, doc *Document) (string, error)
}

// Document is the upload shape of one training session
type Document struct {
	Serial    string           `json:"serial"`
	LogID     uint32           `json:"logId"`
	Start     time.Time        `json:"start"`
	Duration  int64            `json:"durationMs"`
	Distance  uint32           `json:"distance"`
	Activity  uint8            `json:"activity"`
	Stats     ambit.Stats      `json:"stats"`
	Partial   []string         `json:"partial,omitempty"`
	HeartRate []HeartRatePoint `json:"heartRate,omitempty"`
	Track     []TrackPoint     `json:"track,omitempty"`
	Altitude  []AltitudePoint  `json:"altitude,omitempty"`
	Pace      []PacePoint      `json:"pace,omitempty"`
}

// HeartRatePoint is one heart rate sample, offset in milliseconds
type HeartRatePoint struct {
	Offset int64 `json:"t"`
	BPM    uint8 `json:"bpm"`
}

// TrackPoint is one GPS sample in degrees
type TrackPoint struct {
	Offset    int64   `json:"t"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

// AltitudePoint is one altitude sample in meters
type AltitudePoint struct {
	Offset int64   `json:"t"`
	Meters float64 `json:"m"`
}

// PacePoint is one speed sample in cm/s
type PacePoint struct {
	Offset int64  `json:"t"`
	Speed  uint16 `json:"speed"`
}

// Key identifies the document for idempotent delivery
func (d *Document) Key() string {
	return fmt.Sprintf("%s-%d", d.Serial, d.LogID)
}

// NewDocument converts a decoded log into its upload document
func NewDocument(serial string, e *ambit.LogEntry) *Document {
	doc := &Document{
		Serial:   serial,
		LogID:    e.Header.ID,
		Start:    e.Header.Timestamp,
		Duration: e.Header.Duration.Milliseconds(),
		Distance: e.Header.Distance,
		Activity: uint8(e.Header.Activity),
		Stats:    e.Stats,
	}
	for _, k := range e.Partial {
		doc.Partial = append(doc.Partial, k.String())
	}

	for s := range e.HeartRate.All() {
		doc.HeartRate = append(doc.HeartRate, HeartRatePoint{Offset: s.Offset.Milliseconds(), BPM: s.BPM})
	}
	for s := range e.Track.All() {
		doc.Track = append(doc.Track, TrackPoint{
			Offset:    s.Offset.Milliseconds(),
			Latitude:  s.Latitude(),
			Longitude: s.Longitude(),
		})
	}
	for s := range e.Altitude.All() {
		doc.Altitude = append(doc.Altitude, AltitudePoint{Offset: s.Offset.Milliseconds(), Meters: s.Meters()})
	}
	for s := range e.Pace.All() {
		doc.Pace = append(doc.Pace, PacePoint{Offset: s.Offset.Milliseconds(), Speed: s.Speed})
	}

	return doc
}
