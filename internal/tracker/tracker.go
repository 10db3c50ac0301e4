// Package tracker builds and parses ticket tracker identifiers.
//
// A tracker looks like task_4182__0912-ab34-0009__2026-10-19_14-03-22. It is
// the ticket log file name, the audit label in every notification and the key
// an operator quotes to cancel a running ticket, which is why it embeds the
// worker process id.
package tracker

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lvonguyen/portsec/internal/macaddr"
)

const (
	prefix = "task_"
	sep    = "__"
	// NoMAC stands in for the MAC when none could be extracted.
	NoMAC = "nomac"
	// TimeLayout is the timestamp layout embedded in trackers.
	TimeLayout = "2006-01-02_15-04-05"
)

// ErrInvalid is returned for strings that are not trackers.
var ErrInvalid = errors.New("invalid tracker")

var trackerRe = regexp.MustCompile(`task_\d+__(?:[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}|nomac)__\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2}`)

// ID is a parsed tracker.
type ID struct {
	PID     int
	MAC     string // normalized, empty for nomac trackers
	Created time.Time
}

// New builds a tracker for the worker pid. mac may be empty.
func New(pid int, mac string, at time.Time) ID {
	return ID{PID: pid, MAC: mac, Created: at.Truncate(time.Second)}
}

// String renders the tracker.
func (id ID) String() string {
	mac := NoMAC
	if id.MAC != "" {
		mac = macaddr.Dashed(id.MAC)
	}
	return prefix + strconv.Itoa(id.PID) + sep + mac + sep + id.Created.Format(TimeLayout)
}

// Parse parses a tracker string.
func Parse(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, prefix) {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}

	parts := strings.Split(strings.TrimPrefix(s, prefix), sep)
	if len(parts) != 3 {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}

	pid, err := strconv.Atoi(parts[0])
	if err != nil || pid <= 0 {
		return ID{}, fmt.Errorf("%w: bad pid in %q", ErrInvalid, s)
	}

	var mac string
	if parts[1] != NoMAC {
		mac, err = macaddr.Normalize(parts[1])
		if err != nil {
			return ID{}, fmt.Errorf("%w: bad MAC in %q", ErrInvalid, s)
		}
	}

	created, err := time.ParseInLocation(TimeLayout, parts[2], time.Local)
	if err != nil {
		return ID{}, fmt.Errorf("%w: bad timestamp in %q", ErrInvalid, s)
	}

	return ID{PID: pid, MAC: mac, Created: created}, nil
}

// Find returns the first tracker mentioned in text.
func Find(text string) (ID, error) {
	match := trackerRe.FindString(text)
	if match == "" {
		return ID{}, fmt.Errorf("%w: no tracker in message", ErrInvalid)
	}
	return Parse(match)
}
