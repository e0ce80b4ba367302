package core

import "sync"

// Mood is the user-selected presence state.
type Mood string

const (
	MoodOnline  Mood = "online"
	MoodOffline Mood = "offline"
	MoodDND     Mood = "dnd"
)

// ValidMood reports whether m is one of the known presence states.
func ValidMood(m Mood) bool {
	switch m {
	case MoodOnline, MoodOffline, MoodDND:
		return true
	}
	return false
}

// Tracker derives logical presence from live connection counts. A user is
// online iff at least one connection is open; mood is sticky per user and
// survives reconnects.
type Tracker struct {
	mu    sync.Mutex
	conns map[int64]int
	moods map[int64]Mood
}

// NewTracker creates an empty presence tracker.
func NewTracker() *Tracker {
	return &Tracker{
		conns: make(map[int64]int),
		moods: make(map[int64]Mood),
	}
}

// OnConnect increments the user's connection counter and reports whether this
// is the user's first live connection. The mood defaults to online the first
// time a user is ever seen and is otherwise left untouched.
func (t *Tracker) OnConnect(userID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.conns[userID]++
	if _, ok := t.moods[userID]; !ok {
		t.moods[userID] = MoodOnline
	}
	return t.conns[userID] == 1
}

// OnDisconnect decrements the user's connection counter, flooring at zero,
// and reports whether the user just went offline.
func (t *Tracker) OnDisconnect(userID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.conns[userID]
	if n <= 0 {
		return false
	}
	n--
	if n == 0 {
		delete(t.conns, userID)
		return true
	}
	t.conns[userID] = n
	return false
}

// SetMood overwrites the stored mood. It has no effect on connection counts.
func (t *Tracker) SetMood(userID int64, mood Mood) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.moods[userID] = mood
}

// Mood returns the stored mood, or online if none was ever set.
func (t *Tracker) Mood(userID int64) Mood {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.moods[userID]; ok {
		return m
	}
	return MoodOnline
}

// Online reports whether the user has at least one live connection.
func (t *Tracker) Online(userID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[userID] > 0
}

// ListVisible returns users with at least one live connection whose mood is
// not excludeMood, excluding the given user.
func (t *Tracker) ListVisible(excludeUser int64, excludeMood Mood) []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []int64
	for userID, n := range t.conns {
		if n <= 0 || userID == excludeUser {
			continue
		}
		if t.moods[userID] == excludeMood {
			continue
		}
		out = append(out, userID)
	}
	return out
}
