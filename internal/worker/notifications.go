package worker

import (
	"context"
	"database/sql"
	"log"

	"github.com/hustlexp/backend/internal/database"
	"github.com/hustlexp/backend/internal/domain"
	"github.com/hustlexp/backend/internal/hxerr"
	"github.com/hustlexp/backend/internal/notify"
	"github.com/hustlexp/backend/internal/outbox"
)

// Notifications fans events out to the push gateway. The notify service
// deduplicates per (recipient, event), so redelivered rows stay silent.
type Notifications struct {
	rt     *database.Runtime
	notify *notify.Service
	logger *log.Logger
}

func NewNotifications(rt *database.Runtime, svc *notify.Service) *Notifications {
	return &Notifications{
		rt:     rt,
		notify: svc,
		logger: log.New(log.Writer(), "[NOTIFY-WORKER] ", log.LstdFlags),
	}
}

func (w *Notifications) Queue() string { return domain.QueueNotifications }

// recipients picks who hears about an event. Money events go to the side
// the money moved toward; lifecycle events go to both parties.
func recipients(eventType string, p *eventPayload) []string {
	switch eventType {
	case domain.EventEscrowReleased:
		if p.HustlerID == "" {
			return nil
		}
		return []string{p.HustlerID}
	case domain.EventEscrowRefunded:
		return []string{p.PosterID}
	case domain.EventTaskProofSubmitted:
		return []string{p.PosterID}
	case domain.EventTaskProofDecided:
		if p.HustlerID == "" {
			return nil
		}
		return []string{p.HustlerID}
	default:
		out := []string{p.PosterID}
		if p.HustlerID != "" && p.HustlerID != p.PosterID {
			out = append(out, p.HustlerID)
		}
		return out
	}
}

func (w *Notifications) Handle(ctx context.Context, e *outbox.Event) error {
	var p eventPayload
	if err := e.Decode(&p); err != nil {
		return err
	}

	var title string
	err := w.rt.DB().QueryRowContext(ctx,
		`SELECT title FROM tasks WHERE id = $1`, p.TaskID).Scan(&title)
	if err == sql.ErrNoRows {
		return hxerr.New(hxerr.Internal, "event %s references missing task %s", e.ID, p.TaskID)
	}
	if err != nil {
		return hxerr.FromPg(err)
	}

	subject, body, ok := notify.Compose(e.EventType, title)
	if !ok {
		return nil // event type carries no push
	}

	for _, recipient := range recipients(e.EventType, &p) {
		err := w.notify.Deliver(ctx, &notify.Notification{
			RecipientID: recipient,
			EventID:     logicalKey(e),
			EventType:   e.EventType,
			Title:       subject,
			Body:        body,
			TaskID:      p.TaskID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

var _ Handler = (*Notifications)(nil)
