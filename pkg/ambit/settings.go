package ambit

import (
	"bytes"
	"encoding/binary"
)

// SettingsBlockSize is the fixed size of the personal settings block
const SettingsBlockSize = 64

// DecodeSettings decodes device metadata and the personal settings from the
// fixed-size settings block. Like DecodeLog it is pure and deterministic.
func DecodeSettings(data []byte) (*DeviceInfo, error) {
	if len(data) != SettingsBlockSize {
		return nil, malformed("settings block length %d, expected %d", len(data), SettingsBlockSize)
	}
	if got, want := binary.LittleEndian.Uint16(data[62:64]), crc16(data[:62]); got != want {
		return nil, malformed("settings crc 0x%04x, expected 0x%04x", got, want)
	}

	info := &DeviceInfo{
		Model:    cString(data[0:16]),
		Serial:   cString(data[16:32]),
		Firmware: readVersion(data[32:36]),
		Hardware: readVersion(data[36:40]),
		Battery:  data[40],
		Charging: data[41]&0x01 != 0,
		Settings: PersonalSettings{
			WeightGrams:   uint32(binary.LittleEndian.Uint16(data[42:44])) * 10,
			MaxHeartRate:  data[44],
			RestHeartRate: data[45],
			BirthYear:     binary.LittleEndian.Uint16(data[46:48]),
			Units:         Units(data[48]),
		},
	}

	if info.Serial == "" {
		return nil, malformed("empty serial")
	}
	if info.Battery > 100 {
		return nil, malformed("battery %d%%", info.Battery)
	}

	return info, nil
}

// EncodeSettings is the inverse of DecodeSettings
func EncodeSettings(info *DeviceInfo) []byte {
	data := make([]byte, SettingsBlockSize)
	copy(data[0:16], info.Model)
	copy(data[16:32], info.Serial)
	putVersion(data[32:36], info.Firmware)
	putVersion(data[36:40], info.Hardware)
	data[40] = info.Battery
	if info.Charging {
		data[41] |= 0x01
	}
	binary.LittleEndian.PutUint16(data[42:44], uint16(info.Settings.WeightGrams/10))
	data[44] = info.Settings.MaxHeartRate
	data[45] = info.Settings.RestHeartRate
	binary.LittleEndian.PutUint16(data[46:48], info.Settings.BirthYear)
	data[48] = byte(info.Settings.Units)
	binary.LittleEndian.PutUint16(data[62:64], crc16(data[:62]))
	return data
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func readVersion(b []byte) Version {
	return Version{Major: b[0], Minor: b[1], Patch: binary.LittleEndian.Uint16(b[2:4])}
}

func putVersion(b []byte, v Version) {
	b[0] = v.Major
	b[1] = v.Minor
	binary.LittleEndian.PutUint16(b[2:4], v.Patch)
}
