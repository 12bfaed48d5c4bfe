package telegram

import (
	"context"
	"fmt"
	"strings"

	"github.com/molpadia/molparelay/internal/domain/entity"
	"github.com/rs/zerolog"
)

// Notifier relays transfer progress to the requesting chat. Failures are
// logged and never returned.
type Notifier struct {
	client *Client
	log    zerolog.Logger
}

func NewNotifier(client *Client, log zerolog.Logger) *Notifier {
	return &Notifier{client: client, log: log}
}

func (n *Notifier) Notify(ctx context.Context, msg entity.Notification) {
	if msg.ChatId == "" {
		return
	}
	if err := n.client.SendMessage(ctx, msg.ChatId, FormatNotification(msg)); err != nil {
		n.log.Warn().Err(err).Str("chat_id", msg.ChatId).Str("job_id", msg.JobId).Str("kind", string(msg.Kind)).Msg("failed to deliver notification")
	}
}

// FormatNotification renders msg as chat text.
func FormatNotification(msg entity.Notification) string {
	switch msg.Kind {
	case entity.NotifyProgress:
		var b strings.Builder
		fmt.Fprintf(&b, "Uploading: %d parts, %s", msg.Parts, humanBytes(msg.Bytes))
		if msg.Percent >= 0 {
			fmt.Fprintf(&b, " (%d%%)", msg.Percent)
		}
		return b.String()
	case entity.NotifyCompleted:
		return "Upload complete: " + msg.URL
	case entity.NotifyFailed:
		return "Upload failed: " + msg.Error
	}
	return string(msg.Kind)
}

func humanBytes(n int64) string {
	const unit = 1 << 10
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
