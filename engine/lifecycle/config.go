package lifecycle

import (
	"time"

	"github.com/taskping/taskping/engine/channel"
	"github.com/taskping/taskping/engine/core"
)

// Config is the immutable lifecycle policy: escalation order, response
// window, attempt cap, working hours and write-back retry budget.
type Config struct {
	ResponseWindow   time.Duration
	MaxAttempts      int
	DefaultChannels  []core.ChannelType
	AssigneeChannels map[string][]core.ChannelType
	Hours            channel.WorkingHours
	WriteBackRetries uint64
	// StatusMapping translates a canonical outcome into the tracker's
	// status vocabulary.
	StatusMapping map[core.Outcome]string
}

// DefaultStatusMapping mirrors the tracker workspace statuses.
func DefaultStatusMapping() map[core.Outcome]string {
	return map[core.Outcome]string{
		core.OutcomeDone:       "complete",
		core.OutcomeBlocked:    "blocked",
		core.OutcomeInProgress: "in progress",
	}
}

// channelsFor returns the escalation order for an assignee, falling back to
// the global default.
func (c *Config) channelsFor(assigneeID string) []core.ChannelType {
	if plan, ok := c.AssigneeChannels[assigneeID]; ok && len(plan) > 0 {
		return plan
	}
	return c.DefaultChannels
}

func channelIndex(plan []core.ChannelType, ch core.ChannelType) int {
	for i, candidate := range plan {
		if candidate == ch {
			return i
		}
	}
	return -1
}
