package tapehardware

import (
	"context"
	"fmt"
	"strings"

	"github.com/kbj/mtx"
	"github.com/pkg/errors"
)

// ErrDeviceBusy is returned by Unmount while the mount point is in use.
var ErrDeviceBusy = errors.New("device busy")

// TapeDriveDevice describes the single drive the library serves.
type TapeDriveDevice struct {
	Number     int    `json:"slot"`
	Device     string `json:"Device"`
	MountPoint string `json:"MountPoint"`
}

// DeviceStatusReader re-reads device state on every call. Nothing it returns
// is cached.
type DeviceStatusReader interface {
	LibraryStatus(ctx context.Context) (*LibraryStatus, error)
	MountTable(ctx context.Context) ([]MountEntry, error)
	FreeSpace(ctx context.Context, dir string) (*FreeSpace, error)
	HelperRunning(ctx context.Context) (bool, error)
}

// TapeLibrary is the raw command surface of the autoloader and the drive.
// Each method issues exactly one hardware command.
type TapeLibrary interface {
	DeviceStatusReader
	Load(ctx context.Context, slot int) error
	Unload(ctx context.Context, slot int) error
	MountLTFS(ctx context.Context) error
	Unmount(ctx context.Context) error
	Drive() TapeDriveDevice
}

// RealTapeLibrary drives the autoloader through mtx and the drive through
// ltfs/umount.
type RealTapeLibrary struct {
	runner  Runner
	changer *mtx.Changer
	do      *changerCommand
	drive   TapeDriveDevice
}

func NewRealTapeLibrary(libraryDevice string, drive TapeDriveDevice, runner Runner) *RealTapeLibrary {
	do := &changerCommand{device: libraryDevice, runner: runner}
	return &RealTapeLibrary{
		runner:  runner,
		changer: mtx.NewChanger(do),
		do:      do,
		drive:   drive,
	}
}

func (rtl *RealTapeLibrary) Drive() TapeDriveDevice {
	return rtl.drive
}

func (rtl *RealTapeLibrary) LibraryStatus(ctx context.Context) (*LibraryStatus, error) {
	out, err := rtl.do.run(ctx, "status")
	if err != nil {
		return nil, err
	}
	return ParseLibraryStatus(string(out))
}

func (rtl *RealTapeLibrary) MountTable(ctx context.Context) ([]MountEntry, error) {
	out, err := rtl.runner.Run(ctx, "mount")
	if err != nil {
		return nil, err
	}
	return ParseMountTable(string(out))
}

func (rtl *RealTapeLibrary) FreeSpace(ctx context.Context, dir string) (*FreeSpace, error) {
	out, err := rtl.runner.Run(ctx, "df", "-hP", dir)
	if err != nil {
		return nil, err
	}
	return ParseFreeSpace(string(out))
}

func (rtl *RealTapeLibrary) HelperRunning(ctx context.Context) (bool, error) {
	out, err := rtl.runner.Run(ctx, "ps", "-eo", "args")
	if err != nil {
		return false, err
	}
	return helperRunning(string(out), rtl.drive.MountPoint), nil
}

// Load moves the cartridge in slot into the drive.
func (rtl *RealTapeLibrary) Load(ctx context.Context, slot int) error {
	defer rtl.do.with(ctx)()
	return rtl.changer.Load(slot, rtl.drive.Number)
}

// Unload returns the cartridge in the drive to slot.
func (rtl *RealTapeLibrary) Unload(ctx context.Context, slot int) error {
	defer rtl.do.with(ctx)()
	return rtl.changer.Unload(slot, rtl.drive.Number)
}

func (rtl *RealTapeLibrary) MountLTFS(ctx context.Context) error {
	devname := fmt.Sprintf("devname=%s", rtl.drive.Device)
	_, err := rtl.runner.Run(ctx, "ltfs", "-o", devname, rtl.drive.MountPoint)
	return err
}

func (rtl *RealTapeLibrary) Unmount(ctx context.Context) error {
	_, err := rtl.runner.Run(ctx, "umount", rtl.drive.MountPoint)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "busy") {
		return errors.Wrap(ErrDeviceBusy, err.Error())
	}
	return err
}

// changerCommand is the mtx command provider. mtx.Changer takes no context,
// so the caller's context is set around each changer call.
type changerCommand struct {
	device string
	runner Runner
	ctx    context.Context
}

// with sets ctx for the next changer call and returns the reset.
func (c *changerCommand) with(ctx context.Context) func() {
	c.ctx = ctx
	return func() { c.ctx = nil }
}

func (c *changerCommand) run(ctx context.Context, args ...string) ([]byte, error) {
	return c.runner.Run(ctx, "mtx", append([]string{"-f", c.device}, args...)...)
}

// Do implements the mtx command provider.
func (c *changerCommand) Do(args ...string) ([]byte, error) {
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return c.run(ctx, args...)
}
