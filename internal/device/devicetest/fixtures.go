package devicetest

import (
	"time"

	"github.com/openambit/ambit-sync/pkg/ambit"
)

// SampleInfo returns plausible device metadata for serial
func SampleInfo(serial string) ambit.DeviceInfo {
	return ambit.DeviceInfo{
		Model:    "Emu",
		Serial:   serial,
		Firmware: ambit.Version{Major: 2, Minor: 4, Patch: 1},
		Hardware: ambit.Version{Major: 1},
		Battery:  85,
		Settings: ambit.PersonalSettings{
			WeightGrams:   70000,
			MaxHeartRate:  190,
			RestHeartRate: 50,
			BirthYear:     1990,
		},
	}
}

// SampleLog returns a deterministic log entry for id
func SampleLog(id uint32) *ambit.LogEntry {
	start := time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC).Add(time.Duration(id) * 24 * time.Hour)

	hr := make([]ambit.HeartRateSample, 0, 30)
	gps := make([]ambit.GPSSample, 0, 30)
	alt := make([]ambit.AltitudeSample, 0, 30)
	for i := 0; i < 30; i++ {
		off := time.Duration(i) * 2 * time.Second
		hr = append(hr, ambit.HeartRateSample{Offset: off, BPM: uint8(100 + (int(id)+i)%60)})
		gps = append(gps, ambit.GPSSample{Offset: off, LatitudeE7: 601699820 + int32(i*37), LongitudeE7: 249384590 - int32(i*11)})
		alt = append(alt, ambit.AltitudeSample{Offset: off, Centimeters: 1200 + int32(i*5)})
	}

	return &ambit.LogEntry{
		Header: ambit.LogHeader{
			ID:        id,
			Timestamp: start,
			Duration:  time.Minute,
			Distance:  200 + id,
			Activity:  1,
		},
		Stats: ambit.Stats{
			AvgHeartRate:       130,
			MaxHeartRate:       159,
			MinHeartRate:       100,
			PeakTrainingEffect: 2.1,
			Ascent:             5,
			Descent:            3,
			Calories:           uint16(40 + id),
		},
		HeartRate: ambit.NewHeartRateSeries(hr),
		Track:     ambit.NewGPSSeries(gps),
		Altitude:  ambit.NewAltitudeSeries(alt),
		Pace:      ambit.NewPaceSeries([]ambit.PaceSample{{Offset: 0, Speed: 280}}),
	}
}

// AddTruncatedLog stores log id with the last cut bytes of its body missing
func (e *Emulator) AddTruncatedLog(id uint32, cut int) ambit.LogHeader {
	entry := SampleLog(id)
	body := ambit.EncodeLog(entry)
	return e.AddRawLog(entry.Header, body[:len(body)-cut])
}
