package capacity

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"ltfs-tier/catalog"
	"ltfs-tier/tapehardware"
	"ltfs-tier/utils"
)

// Refresher re-reads a mounted tape's free space into its record.
type Refresher struct {
	store      catalog.Store
	controller *tapehardware.Controller
	timeout    time.Duration
}

func NewRefresher(store catalog.Store, controller *tapehardware.Controller) *Refresher {
	return &Refresher{store: store, controller: controller, timeout: time.Minute}
}

// Refresh updates tapeID's usage. The tape must be the one in the drive,
// before and after the free space is read.
func (r *Refresher) Refresh(ctx context.Context, tapeID string) error {
	if err := r.checkMounted(ctx, tapeID); err != nil {
		return err
	}
	space, err := r.controller.FreeSpace(ctx)
	if err != nil {
		return err
	}
	// a later job may have switched tapes while df ran
	if err := r.checkMounted(ctx, tapeID); err != nil {
		return err
	}
	total, err := utils.ParseSize(space.Size)
	if err != nil {
		return errors.Wrap(err, "tape size")
	}
	used, err := utils.ParseSize(space.Used)
	if err != nil {
		return errors.Wrap(err, "tape used")
	}
	pct := float64(space.UsePercent)
	if total > 0 {
		pct = float64(used) * 100 / float64(total)
	}
	log.WithFields(log.Fields{"tape": tapeID, "available": space.Available, "usage": pct}).Info("tape usage refreshed")
	return r.store.SetTapeUsage(ctx, tapeID, space.Size, space.Used, space.Available, pct)
}

// RefreshAsync runs Refresh in the background; failures are only logged.
// The returned channel closes when the refresh is over.
func (r *Refresher) RefreshAsync(tapeID string) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.Refresh(ctx, tapeID); err != nil {
			log.WithField("tape", tapeID).WithError(err).Warn("tape usage refresh failed")
		}
	}()
	return done
}

func (r *Refresher) checkMounted(ctx context.Context, tapeID string) error {
	state, tape, err := r.controller.State(ctx)
	if err != nil {
		return err
	}
	if state != tapehardware.Mounted || tape != tapeID {
		return errors.Errorf("tape %s is not mounted (drive is %s with %q)", tapeID, state, tape)
	}
	return nil
}
