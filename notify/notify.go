// Package notify delivers job outcomes to users and operators.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"ltfs-tier/utils"
)

type Audience string

const (
	User  Audience = "user"
	Admin Audience = "admin"
)

// Event is one job outcome for one recipient.
type Event struct {
	ID        string    `json:"id"`
	Audience  Audience  `json:"audience"`
	Recipient string    `json:"recipient"`
	Job       string    `json:"job"`
	FileName  string    `json:"fileName"`
	Status    string    `json:"status"`
	TapeID    string    `json:"tapeId,omitempty"`
	Location  string    `json:"location,omitempty"`
	Error     string    `json:"error,omitempty"`
	Critical  bool      `json:"critical,omitempty"`
	Time      time.Time `json:"time"`
}

// Subject is a one line summary of the event.
func (e Event) Subject() string {
	prefix := ""
	if e.Critical {
		prefix = "CRITICAL: "
	}
	return fmt.Sprintf("%s%s of %s %s", prefix, e.Job, e.FileName, e.Status)
}

type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// stamp fills the id and time of an event that has none.
func stamp(event Event) Event {
	if event.ID == "" {
		event.ID = utils.NewID()
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	return event
}

// LogNotifier writes events to the process log.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, event Event) error {
	event = stamp(event)
	entry := log.WithFields(log.Fields{
		"event":     event.ID,
		"audience":  event.Audience,
		"recipient": event.Recipient,
		"job":       event.Job,
		"file":      event.FileName,
		"status":    event.Status,
	})
	if event.TapeID != "" {
		entry = entry.WithField("tape", event.TapeID)
	}
	if event.Location != "" {
		entry = entry.WithField("location", event.Location)
	}
	switch {
	case event.Critical:
		entry.WithField("error", event.Error).Error(event.Subject())
	case event.Error != "":
		entry.WithField("error", event.Error).Warn(event.Subject())
	default:
		entry.Info(event.Subject())
	}
	return nil
}

// Multi delivers every event to each of its notifiers. One failing does not
// stop the others.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event Event) error {
	event = stamp(event)
	var failed []string
	for _, n := range m {
		if err := n.Notify(ctx, event); err != nil {
			log.WithField("event", event.ID).WithError(err).Warn("notifier failed")
			failed = append(failed, err.Error())
		}
	}
	if len(failed) > 0 {
		return errors.Errorf("%d of %d notifiers failed: %v", len(failed), len(m), failed)
	}
	return nil
}

// Send delivers event and only logs a failure; a notification problem never
// changes a job's outcome.
func Send(ctx context.Context, n Notifier, event Event) {
	if n == nil {
		return
	}
	if event.Recipient == "" && event.Audience == User {
		log.WithFields(log.Fields{"job": event.Job, "file": event.FileName}).Debug("no user address, notification skipped")
		return
	}
	if err := n.Notify(ctx, event); err != nil {
		log.WithFields(log.Fields{"audience": event.Audience, "recipient": event.Recipient}).WithError(err).Error("unable to notify")
	}
}
