// Package swipes drains the attendance swipe buffer kept in Redis into the
// relational family. Each swipe is written with a strict fan-out scoped to the
// role that produced it.
package swipes

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/dbmux/pkg/types"
)

// DayLayout is the layout of the day prefix of every key.
const DayLayout = "2006-01-02"

// ErrMalformed is wrapped by every parse failure.
var ErrMalformed = errors.New("malformed swipe")

var personID = regexp.MustCompile(`^\d{8}$`)

// Swipe is one buffered attendance event. The buffer key has the form
// YYYY-MM-DD:mode:role:id and the value is the JSON array [timestampMillis, offsetSeconds].
type Swipe struct {
	Key           string     `json:"key"`
	Day           string     `json:"day"`
	Mode          string     `json:"mode"`
	Role          types.Role `json:"role"`
	PersonID      string     `json:"person_id"`
	Timestamp     time.Time  `json:"timestamp"`
	OffsetSeconds int64      `json:"offset_seconds"`
}

func malformed(key, format string, args ...any) error {
	return fmt.Errorf("%w %q: %s", ErrMalformed, key, fmt.Sprintf(format, args...))
}

// ParseKey splits a buffer key. Directors are identified by a positive numeric id,
// everyone else by an eight digit identifier.
func ParseKey(key string) (day, mode string, role types.Role, id string, err error) {
	parts := strings.Split(key, ":")
	if len(parts) < 4 {
		return "", "", "", "", malformed(key, "want day:mode:role:id")
	}
	day, mode, role, id = parts[0], parts[1], types.Role(parts[2]), parts[3]

	if _, perr := time.Parse(DayLayout, day); perr != nil {
		return "", "", "", "", malformed(key, "invalid day %q", day)
	}
	if mode == "" {
		return "", "", "", "", malformed(key, "empty mode")
	}

	if role == types.RoleDirector {
		n, perr := strconv.ParseInt(id, 10, 64)
		if perr != nil || n <= 0 {
			return "", "", "", "", malformed(key, "invalid director id %q", id)
		}
	} else if !personID.MatchString(id) {
		return "", "", "", "", malformed(key, "invalid id %q", id)
	}
	return day, mode, role, id, nil
}

// Parse builds a swipe from a buffer key and its value.
func Parse(key, value string) (Swipe, error) {
	day, mode, role, id, err := ParseKey(key)
	if err != nil {
		return Swipe{}, err
	}

	var raw []json.Number
	if err := json.Unmarshal([]byte(value), &raw); err != nil {
		return Swipe{}, malformed(key, "value is not a numeric array: %v", err)
	}
	if len(raw) < 2 {
		return Swipe{}, malformed(key, "want [timestamp, offset], got %d element(s)", len(raw))
	}
	millis, err := raw[0].Float64()
	if err != nil {
		return Swipe{}, malformed(key, "invalid timestamp %q", raw[0])
	}
	offset, err := raw[1].Float64()
	if err != nil {
		return Swipe{}, malformed(key, "invalid offset %q", raw[1])
	}

	return Swipe{
		Key:           key,
		Day:           day,
		Mode:          mode,
		Role:          role,
		PersonID:      id,
		Timestamp:     time.UnixMilli(int64(millis)).UTC(),
		OffsetSeconds: int64(offset),
	}, nil
}
