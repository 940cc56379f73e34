package gateway

import "github.com/rs/zerolog/log"

// NoticeKind classifies a transient user-facing notification
type NoticeKind string

const (
	NoticeInfo    NoticeKind = "info"
	NoticeSuccess NoticeKind = "success"
	NoticeError   NoticeKind = "error"
)

// Notifier shows transient notifications (toasts). The view layer implements it.
type Notifier interface {
	Notify(kind NoticeKind, message string)
}

// LogNotifier writes notifications to the log
type LogNotifier struct{}

func (LogNotifier) Notify(kind NoticeKind, message string) {
	log.Info().Str("kind", string(kind)).Msg(message)
}
