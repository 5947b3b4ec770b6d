package ritual

import "sync"

// Level classifies a Notice.
type Level string

const (
	LevelSuccess Level = "success"
	LevelInfo    Level = "info"
	LevelError   Level = "error"
)

// Notice is a user-facing message emitted after an operation.
type Notice struct {
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

// Notifier receives notices. Implementations must be safe for concurrent
// use.
type Notifier interface {
	Notify(Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

// Notify calls f(n).
func (f NotifierFunc) Notify(n Notice) { f(n) }

// NoticeLog is a Notifier that keeps every notice in order.
type NoticeLog struct {
	mu      sync.Mutex
	notices []Notice
}

// Notify appends n.
func (l *NoticeLog) Notify(n Notice) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notices = append(l.notices, n)
}

// Notices returns a copy of everything recorded so far.
func (l *NoticeLog) Notices() []Notice {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Notice{}, l.notices...)
}

// Drain returns the recorded notices and forgets them.
func (l *NoticeLog) Drain() []Notice {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.notices
	l.notices = nil
	if out == nil {
		out = []Notice{}
	}
	return out
}

type discardNotifier struct{}

func (discardNotifier) Notify(Notice) {}

// Notice texts.
const (
	msgLoadFailed = "Failed to load your intentions"

	msgManifestSynced = "Intention sealed and sent to the universe!"
	msgManifestLocal  = "Intention created! Sign in to sync across devices"
	msgManifestFailed = "Failed to save intention"

	msgReleaseSynced = "Released to the mystical flames and transformed!"
	msgReleaseLocal  = "Released to the mystical flames! Sign in to sync across devices"
	msgReleaseFailed = "Failed to release to the flames"

	msgAlreadySealed = "Authenticated intentions are automatically sealed"
	msgSealFailed    = "Failed to update intention"

	msgRemovedRemote = "Intention released from the universe"
	msgRemovedLocal  = "Local intention removed"
	msgRemoveFailed  = "Failed to remove intention"

	msgSignedIn  = "Welcome to the mystical realm!"
	msgSignedOut = "You have left the mystical realm. Until next time..."
)

// Messages used by front ends for auth actions the service does not own.
const (
	MsgMagicLinkSent = "Magic link sent! Check your email"
	MsgSignOutFailed = "Error signing out"
)
