// Package capacity picks tapes with room for a file and keeps the recorded
// tape usage in step with the mounted filesystem.
package capacity

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"ltfs-tier/catalog"
	"ltfs-tier/utils"
)

// Selection is the outcome of a space check. TapeID is empty when no tape
// qualified; Available always lists what every candidate reported.
type Selection struct {
	TapeID    string
	Available map[string]string
}

func (s Selection) Found() bool {
	return s.TapeID != ""
}

// SpaceError turns a negative selection into the error recorded and sent to
// the user and admin.
func (s Selection) SpaceError(group string, required int64) *utils.SpaceError {
	return &utils.SpaceError{Group: group, Required: required, Available: s.Available}
}

type Allocator struct {
	store catalog.Store
	// optional fixed tape pool per group; without one the catalog's group
	// membership is used
	pools map[string][]string
}

func NewAllocator(store catalog.Store, pools map[string][]string) *Allocator {
	return &Allocator{store: store, pools: pools}
}

// CheckGroupSpace returns the first tape, least used first, whose available
// size covers required. Finding none is a normal result, not an error.
func (a *Allocator) CheckGroupSpace(ctx context.Context, group string, required int64) (Selection, error) {
	tapes, err := a.candidates(ctx, group)
	if err != nil {
		return Selection{}, err
	}
	sel := Selection{Available: make(map[string]string, len(tapes))}
	for _, tape := range tapes {
		sel.Available[tape.TapeID] = tape.AvailableSize
		available, err := utils.ParseSize(tape.AvailableSize)
		if err != nil {
			log.WithFields(log.Fields{"tape": tape.TapeID, "available": tape.AvailableSize}).Warn("skipping tape with unreadable size")
			continue
		}
		if available >= required && !sel.Found() {
			sel.TapeID = tape.TapeID
		}
	}
	log.WithFields(log.Fields{"group": group, "required": utils.FormatSize(required), "tape": sel.TapeID}).Debug("checked group space")
	return sel, nil
}

func (a *Allocator) candidates(ctx context.Context, group string) ([]catalog.TapeRecord, error) {
	pool, ok := a.pools[group]
	if !ok {
		return a.store.GroupTapes(ctx, group)
	}
	var tapes []catalog.TapeRecord
	for _, id := range pool {
		tape, err := a.store.GetTape(ctx, id)
		if errors.Is(err, catalog.ErrNotFound) {
			log.WithFields(log.Fields{"group": group, "tape": id}).Warn("tape in pool has no record, skipping")
			continue
		}
		if err != nil {
			return nil, err
		}
		tapes = append(tapes, *tape)
	}
	sort.SliceStable(tapes, func(i, j int) bool {
		return tapes[i].UsagePercentage < tapes[j].UsagePercentage
	})
	return tapes, nil
}
