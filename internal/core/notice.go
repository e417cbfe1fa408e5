package core

type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// Notice is a toast/banner for the participant. Action names the affordance
// the participant can use to recover, if any.
type Notice struct {
	Level   NoticeLevel `json:"level"`
	Message string      `json:"message"`
	Action  string      `json:"action,omitempty"`
}

const ActionJoin = "join"

type Notifier interface {
	Notify(Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }
