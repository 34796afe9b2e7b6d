package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Variables represents a JSON object for storing arbitrary data
type Variables map[string]interface{}

// Value implements driver.Valuer interface
func (v Variables) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Scan implements sql.Scanner interface
func (v *Variables) Scan(value interface{}) error {
	if value == nil {
		*v = make(Variables)
		return nil
	}
	return scanJSON(value, v)
}

// LogIDs is a list of device log identifiers stored as JSON
type LogIDs []uint32

// Value implements driver.Valuer interface
func (l LogIDs) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	return string(b), err
}

// Scan implements sql.Scanner interface
func (l *LogIDs) Scan(value interface{}) error {
	*l = nil
	if value == nil {
		return nil
	}
	return scanJSON(value, l)
}

// Contains reports whether id is in the list
func (l LogIDs) Contains(id uint32) bool {
	for _, v := range l {
		if v == id {
			return true
		}
	}
	return false
}

// LogFailures counts consecutive failed sync attempts per log id
type LogFailures map[uint32]int

// Value implements driver.Valuer interface
func (f LogFailures) Value() (driver.Value, error) {
	if f == nil {
		return "{}", nil
	}
	b, err := json.Marshal(f)
	return string(b), err
}

// Scan implements sql.Scanner interface
func (f *LogFailures) Scan(value interface{}) error {
	*f = make(LogFailures)
	if value == nil {
		return nil
	}
	return scanJSON(value, f)
}

func scanJSON(value interface{}, dst interface{}) error {
	switch data := value.(type) {
	case []byte:
		return json.Unmarshal(data, dst)
	case string:
		return json.Unmarshal([]byte(data), dst)
	default:
		return fmt.Errorf("unsupported JSON column type %T", value)
	}
}
