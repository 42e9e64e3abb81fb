package tapehardware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"ltfs-tier/utils"
)

// SettlePolicy holds the pauses the robot and drive need between commands.
type SettlePolicy struct {
	// after every raw hardware command
	Command time.Duration
	// additional wait after an LTFS mount before the filesystem is used
	Mount time.Duration
	// between unmount attempts while the mount point is busy
	BusyRetry    time.Duration
	BusyAttempts int
	// polling for the mount helper to exit after an unmount
	HelperPoll    time.Duration
	HelperTimeout time.Duration
}

func DefaultSettlePolicy() SettlePolicy {
	return SettlePolicy{
		Command:       5 * time.Second,
		Mount:         10 * time.Second,
		BusyRetry:     10 * time.Second,
		BusyAttempts:  6,
		HelperPoll:    time.Second,
		HelperTimeout: 2 * time.Minute,
	}
}

// ZeroSettlePolicy never waits; for simulators and tests.
func ZeroSettlePolicy() SettlePolicy {
	return SettlePolicy{BusyAttempts: 3, HelperTimeout: time.Second}
}

// State is the position of the drive in Unloaded -> Loaded -> Mounted.
type State int

const (
	Unloaded State = iota
	Loaded
	Mounted
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loaded:
		return "loaded"
	case Mounted:
		return "mounted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Controller is the only thing allowed to move tapes or touch the mount
// point. Callers must not invoke it concurrently; the job dispatcher runs one
// job at a time. Once a mutating method starts it runs to completion or
// failure regardless of the caller's context.
type Controller struct {
	library TapeLibrary
	policy  SettlePolicy
	sleep   func(context.Context, time.Duration) error

	// last observation; a hint for logging, never trusted before acting.
	// Read-only queries may come from a background usage refresh.
	mu          sync.Mutex
	lastTape    string
	lastMounted bool
}

func NewController(library TapeLibrary, policy SettlePolicy) *Controller {
	return &Controller{library: library, policy: policy, sleep: sleepContext}
}

// LastObserved returns the tape and mount state seen by the most recent query.
func (c *Controller) LastObserved() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTape, c.lastMounted
}

// MountPoint is where the loaded tape's filesystem appears.
func (c *Controller) MountPoint() string {
	return c.library.Drive().MountPoint
}

// CurrentTape asks the autoloader which tape is in the drive.
func (c *Controller) CurrentTape(ctx context.Context) (string, bool, error) {
	status, err := c.library.LibraryStatus(ctx)
	if err != nil {
		return "", false, utils.NewHardwareError("status", err)
	}
	drive, ok := status.Drive(c.library.Drive().Number)
	if !ok {
		return "", false, utils.NewHardwareError("status", errors.Errorf("drive %d not reported", c.library.Drive().Number))
	}
	c.mu.Lock()
	c.lastTape = drive.VolumeTag
	c.mu.Unlock()
	return drive.VolumeTag, drive.Full, nil
}

// IsMounted checks the OS mount table for the mount point.
func (c *Controller) IsMounted(ctx context.Context) (bool, error) {
	entries, err := c.library.MountTable(ctx)
	if err != nil {
		return false, utils.NewHardwareError("mount table", err)
	}
	mounted := false
	for _, e := range entries {
		if e.Target == c.MountPoint() {
			mounted = true
			break
		}
	}
	c.mu.Lock()
	c.lastMounted = mounted
	c.mu.Unlock()
	return mounted, nil
}

// State re-derives the drive state and the tape in it.
func (c *Controller) State(ctx context.Context) (State, string, error) {
	tape, full, err := c.CurrentTape(ctx)
	if err != nil {
		return Unloaded, "", err
	}
	mounted, err := c.IsMounted(ctx)
	if err != nil {
		return Unloaded, "", err
	}
	switch {
	case mounted && full:
		return Mounted, tape, nil
	case mounted:
		return Mounted, "", utils.NewHardwareError("state", errors.Errorf("%s is mounted but the drive is empty", c.MountPoint()))
	case full:
		return Loaded, tape, nil
	}
	return Unloaded, "", nil
}

// FreeSpace reports the free space of the mounted tape.
func (c *Controller) FreeSpace(ctx context.Context) (*FreeSpace, error) {
	space, err := c.library.FreeSpace(ctx, c.MountPoint())
	if err != nil {
		return nil, utils.NewHardwareError("free space", err)
	}
	return space, nil
}

// Load moves tapeID from its slot into the empty drive.
func (c *Controller) Load(ctx context.Context, tapeID string) error {
	ctx = context.WithoutCancel(ctx)
	status, err := c.library.LibraryStatus(ctx)
	if err != nil {
		return utils.NewHardwareError("load", err)
	}
	drive, _ := status.Drive(c.library.Drive().Number)
	if drive.Full {
		if drive.VolumeTag == tapeID {
			return nil
		}
		return utils.NewHardwareError("load", errors.Errorf("drive holds %s", drive.VolumeTag))
	}
	slot, ok := status.FindTape(tapeID)
	if !ok {
		return utils.NewHardwareError("load", errors.Errorf("tape %s not found in any slot", tapeID))
	}
	log.WithFields(log.Fields{"tape": tapeID, "slot": slot}).Info("loading tape")
	if err := c.library.Load(ctx, slot); err != nil {
		return utils.NewHardwareError("load", err)
	}
	if err := c.settle(ctx, c.policy.Command); err != nil {
		return err
	}
	tape, full, err := c.CurrentTape(ctx)
	if err != nil {
		return err
	}
	if !full || tape != tapeID {
		return utils.NewHardwareError("load", errors.Errorf("drive holds %q after loading %s", tape, tapeID))
	}
	return nil
}

// Mount mounts the loaded tape. Mounting an already mounted drive succeeds.
func (c *Controller) Mount(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	mounted, err := c.IsMounted(ctx)
	if err != nil {
		return err
	}
	if mounted {
		return nil
	}
	log.WithField("mountpoint", c.MountPoint()).Info("mounting LTFS")
	if err := c.library.MountLTFS(ctx); err != nil {
		return utils.NewHardwareError("mount", err)
	}
	if err := c.settle(ctx, c.policy.Command+c.policy.Mount); err != nil {
		return err
	}
	mounted, err = c.IsMounted(ctx)
	if err != nil {
		return err
	}
	if !mounted {
		return utils.NewHardwareError("mount", errors.Errorf("%s not in mount table after mount", c.MountPoint()))
	}
	return nil
}

// Unmount unmounts the tape, retrying while the mount point is busy, and
// returns only after the ltfs helper process has exited.
func (c *Controller) Unmount(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	mounted, err := c.IsMounted(ctx)
	if err != nil {
		return err
	}
	if !mounted {
		return nil
	}
	attempts := c.policy.BusyAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; ; attempt++ {
		log.WithFields(log.Fields{"mountpoint": c.MountPoint(), "attempt": attempt}).Info("unmounting LTFS")
		err = c.library.Unmount(ctx)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrDeviceBusy) || attempt >= attempts {
			return utils.NewHardwareError("unmount", err)
		}
		log.WithField("attempt", attempt).Warn("mount point busy, retrying unmount")
		if err := c.settle(ctx, c.policy.BusyRetry); err != nil {
			return err
		}
	}
	if err := c.settle(ctx, c.policy.Command); err != nil {
		return err
	}
	if err := c.waitForHelper(ctx); err != nil {
		return err
	}
	mounted, err = c.IsMounted(ctx)
	if err != nil {
		return err
	}
	if mounted {
		return utils.NewHardwareError("unmount", errors.Errorf("%s still mounted", c.MountPoint()))
	}
	return nil
}

// a second mount while the first teardown is still running corrupts the drive
func (c *Controller) waitForHelper(ctx context.Context) error {
	deadline := time.Now().Add(c.policy.HelperTimeout)
	for {
		running, err := c.library.HelperRunning(ctx)
		if err != nil {
			return utils.NewHardwareError("unmount", err)
		}
		if !running {
			return nil
		}
		if time.Now().After(deadline) {
			return utils.NewHardwareError("unmount", errors.Errorf("ltfs helper for %s did not exit", c.MountPoint()))
		}
		if err := c.settle(ctx, c.policy.HelperPoll); err != nil {
			return err
		}
	}
}

// Unload returns the tape in the drive to an empty slot. An empty drive is
// already unloaded. When tapeID is set it must match the tape in the drive.
func (c *Controller) Unload(ctx context.Context, tapeID string) error {
	ctx = context.WithoutCancel(ctx)
	status, err := c.library.LibraryStatus(ctx)
	if err != nil {
		return utils.NewHardwareError("unload", err)
	}
	drive, _ := status.Drive(c.library.Drive().Number)
	if !drive.Full {
		return nil
	}
	if tapeID != "" && drive.VolumeTag != tapeID {
		return utils.NewHardwareError("unload", errors.Errorf("drive holds %s, not %s", drive.VolumeTag, tapeID))
	}
	slot, ok := status.FreeSlot(drive.SourceSlot)
	if !ok {
		return utils.NewHardwareError("unload", errors.New("no empty slot"))
	}
	log.WithFields(log.Fields{"tape": drive.VolumeTag, "slot": slot}).Info("unloading tape")
	if err := c.library.Unload(ctx, slot); err != nil {
		return utils.NewHardwareError("unload", err)
	}
	if err := c.settle(ctx, c.policy.Command); err != nil {
		return err
	}
	_, full, err := c.CurrentTape(ctx)
	if err != nil {
		return err
	}
	if full {
		return utils.NewHardwareError("unload", errors.New("drive still full after unload"))
	}
	return nil
}

// EnsureCorrectTape leaves tapeID loaded and mounted, doing nothing if it
// already is.
func (c *Controller) EnsureCorrectTape(ctx context.Context, tapeID string) error {
	ctx = context.WithoutCancel(ctx)
	state, tape, err := c.State(ctx)
	if err != nil {
		return err
	}
	logger := log.WithFields(log.Fields{"tape": tapeID, "state": state, "current": tape})
	if state == Mounted && tape == tapeID {
		logger.Debug("requested tape already mounted")
		return nil
	}
	logger.Info("switching tape")
	if state == Mounted {
		if err := c.Unmount(ctx); err != nil {
			return err
		}
		state = Loaded
	}
	if state == Loaded && tape != tapeID {
		if err := c.Unload(ctx, tape); err != nil {
			return err
		}
	}
	if err := c.Load(ctx, tapeID); err != nil {
		return err
	}
	if err := c.Mount(ctx); err != nil {
		return err
	}
	state, tape, err = c.State(ctx)
	if err != nil {
		return err
	}
	if state != Mounted || tape != tapeID {
		return utils.NewHardwareError("ensure tape", errors.Errorf("expected %s mounted, found %s in state %s", tapeID, tape, state))
	}
	return nil
}

func (c *Controller) settle(ctx context.Context, d time.Duration) error {
	if err := c.sleep(ctx, d); err != nil {
		return utils.NewHardwareError("settle", err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
