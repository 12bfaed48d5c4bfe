package entity

type NotificationKind string

const (
	NotifyProgress  NotificationKind = "progress"
	NotifyCompleted NotificationKind = "completed"
	NotifyFailed    NotificationKind = "failed"
)

// Notification is relayed back to the user who requested a transfer.
type Notification struct {
	ChatId  string
	Kind    NotificationKind
	JobId   string
	URL     string
	Error   string
	Parts   int64
	Bytes   int64
	Percent int // -1 when the total size is unknown.
}
