package channel

import (
	"time"

	"github.com/taskping/taskping/engine/core"
)

// WorkingHours gates the intrusive channels: voice calls and SMS are only
// sent inside the configured window. The messaging channel is always open.
type WorkingHours struct {
	Start    int
	End      int
	Location *time.Location
}

func NewWorkingHours(start, end int, tz string) (WorkingHours, error) {
	loc := time.Local
	if tz != "" && tz != "Local" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return WorkingHours{}, err
		}
		loc = parsed
	}
	return WorkingHours{Start: start, End: end, Location: loc}, nil
}

// Open reports whether t falls inside the window. A degenerate window
// (end <= start) disables the gate entirely.
func (w WorkingHours) Open(t time.Time) bool {
	if w.End <= w.Start {
		return true
	}
	loc := w.Location
	if loc == nil {
		loc = time.Local
	}
	hour := t.In(loc).Hour()
	return hour >= w.Start && hour < w.End
}

// Intrusive reports whether the channel respects the working-hours gate.
func Intrusive(ch core.ChannelType) bool {
	return ch == core.ChannelVoice || ch == core.ChannelSMS
}
