package models

import "time"

// Status is derived from the clock and local state; it is never stored.
type Status string

const (
	StatusLocked     Status = "locked"
	StatusUnlockable Status = "unlockable"
	StatusUnlocked   Status = "unlocked"
)

// StatusOf reports the status of a message at now. A message already unlocked
// on this device stays Unlocked regardless of unlockAt.
func StatusOf(now, unlockAt time.Time, locallyUnlocked bool) Status {
	switch {
	case locallyUnlocked:
		return StatusUnlocked
	case now.Before(unlockAt):
		return StatusLocked
	default:
		return StatusUnlockable
	}
}

// Status returns the descriptor's status at now.
func (d *MessageDescriptor) Status(now time.Time, locallyUnlocked bool) Status {
	return StatusOf(now, d.UnlockAt, locallyUnlocked)
}
