package types

// NoticeLevel is the severity of a user-facing notice
type NoticeLevel string

const (
	NoticeInfo  NoticeLevel = "info"
	NoticeWarn  NoticeLevel = "warn"
	NoticeError NoticeLevel = "error"
)

// Notice is a message surfaced to the user. Transient notices describe a
// single action (a rejected save); persistent ones describe a standing
// condition (the store is unreachable) and stay until cleared.
type Notice struct {
	Level      NoticeLevel `json:"level"`
	Collection string      `json:"collection,omitempty"`
	RecordID   string      `json:"recordId,omitempty"`
	Title      string      `json:"title"`
	Message    string      `json:"message,omitempty"`
	Persistent bool        `json:"persistent,omitempty"`
}

// Notifier delivers notices to whoever displays them
type Notifier interface {
	Notify(Notice)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(Notice)

// Notify calls f(n)
func (f NotifierFunc) Notify(n Notice) { f(n) }
