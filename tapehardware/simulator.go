package tapehardware

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"ltfs-tier/utils"
)

// Simulator answers the device tools from memory so the whole stack runs
// without hardware. Every tape is a directory under tapeDirectory named by
// its volume tag; mounting links the mount point to that directory.
type Simulator struct {
	mu            sync.Mutex
	tapeDirectory string
	mountPoint    string
	capacity      int64
	slots         map[int]string
	drive         string
	driveSource   int
	mounted       bool

	// fault injection
	BusyUnmounts  int
	HelperLinger  int
	lingerLeft    int
	FailLoads     int
	ForgetMount   bool
	GarbleStatus  bool
	commandCounts map[string]int
}

// NewSimulator puts every tape found under tapeDirectory into a numbered
// slot. capacity is the simulated size of each cartridge.
func NewSimulator(tapeDirectory, mountPoint string, capacity int64) (*Simulator, error) {
	// the mount link must not depend on the working directory
	tapeDirectory, err := filepath.Abs(tapeDirectory)
	if err != nil {
		return nil, errors.Wrap(err, "simulated tape directory")
	}
	sim := &Simulator{
		tapeDirectory: tapeDirectory,
		mountPoint:    mountPoint,
		capacity:      capacity,
		slots:         make(map[int]string),
		commandCounts: make(map[string]int),
	}
	tapes, err := os.ReadDir(tapeDirectory)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read simulated tape directory %s", tapeDirectory)
	}
	slot := 1
	for _, tape := range tapes {
		if !tape.IsDir() {
			continue
		}
		log.Debugf("simulator found tape %s in slot %d", tape.Name(), slot)
		sim.slots[slot] = tape.Name()
		slot++
	}
	// leave a couple of empty slots so unloads always have somewhere to go
	sim.slots[slot] = ""
	sim.slots[slot+1] = ""

	// a link left by an earlier run means nothing now
	if info, err := os.Lstat(mountPoint); err == nil && info.Mode()&os.ModeSymlink != 0 {
		os.Remove(mountPoint)
	}
	return sim, nil
}

// CreateSimulatedTapes makes empty tape directories for the given volume tags.
func CreateSimulatedTapes(tapeDirectory string, tags []string) error {
	for _, tag := range tags {
		if err := os.MkdirAll(filepath.Join(tapeDirectory, tag), 0755); err != nil {
			return errors.Wrapf(err, "unable to create simulated tape %s", tag)
		}
	}
	return nil
}

// Count reports how many times a command (e.g. "load", "ltfs", "umount") ran.
func (s *Simulator) Count(command string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commandCounts[command]
}

// TapePath is where the simulator keeps the contents of a tape.
func (s *Simulator) TapePath(tag string) string {
	return filepath.Join(s.tapeDirectory, tag)
}

func (s *Simulator) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch name {
	case "mtx":
		if len(args) < 3 || args[0] != "-f" {
			return nil, errors.Errorf("mtx: usage")
		}
		s.commandCounts[args[2]]++
		return s.mtx(args[2:])
	case "ltfs":
		s.commandCounts["ltfs"]++
		return nil, s.mount(args)
	case "umount":
		s.commandCounts["umount"]++
		return nil, s.umount(args)
	case "mount":
		return []byte(s.mountTable()), nil
	case "df":
		return s.df(args)
	case "ps":
		return []byte(s.processList()), nil
	}
	return nil, errors.Errorf("%s: command not found", name)
}

func (s *Simulator) mtx(args []string) ([]byte, error) {
	switch args[0] {
	case "status":
		return []byte(s.status()), nil
	case "load":
		if len(args) < 2 {
			return nil, errors.New("mtx load: missing slot")
		}
		if s.FailLoads > 0 {
			s.FailLoads--
			return nil, errors.New("mtx load: MOVE MEDIUM from Element Address failed")
		}
		slot, _ := strconv.Atoi(args[1])
		tag, ok := s.slots[slot]
		if !ok || tag == "" {
			return nil, errors.Errorf("mtx load: source element %d is empty", slot)
		}
		if s.drive != "" {
			return nil, errors.New("mtx load: drive 0 full")
		}
		s.drive, s.driveSource = tag, slot
		s.slots[slot] = ""
		return nil, nil
	case "unload":
		if len(args) < 2 {
			return nil, errors.New("mtx unload: missing slot")
		}
		slot, _ := strconv.Atoi(args[1])
		if s.drive == "" {
			return nil, errors.New("mtx unload: data transfer element 0 is empty")
		}
		if s.mounted {
			return nil, errors.New("mtx unload: medium is mounted")
		}
		if tag, ok := s.slots[slot]; !ok || tag != "" {
			return nil, errors.Errorf("mtx unload: storage element %d is full", slot)
		}
		s.slots[slot] = s.drive
		s.drive, s.driveSource = "", 0
		return nil, nil
	}
	return nil, errors.Errorf("mtx: unknown command %s", args[0])
}

func (s *Simulator) status() string {
	var b strings.Builder
	numbers := make([]int, 0, len(s.slots))
	for n := range s.slots {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	fmt.Fprintf(&b, "  Storage Changer /dev/sim0:1 Drives, %d Slots ( 0 Import/Export )\n", len(numbers))
	if s.drive == "" {
		b.WriteString("Data Transfer Element 0:Empty\n")
	} else {
		fmt.Fprintf(&b, "Data Transfer Element 0:Full (Storage Element %d Loaded):VolumeTag = %s\n", s.driveSource, s.drive)
	}
	if s.GarbleStatus {
		b.WriteString("Robot is on fire\n")
	}
	for _, n := range numbers {
		if s.slots[n] == "" {
			fmt.Fprintf(&b, "      Storage Element %d:Empty\n", n)
		} else {
			fmt.Fprintf(&b, "      Storage Element %d:Full :VolumeTag=%s\n", n, s.slots[n])
		}
	}
	return b.String()
}

func (s *Simulator) mount(args []string) error {
	if len(args) == 0 || args[len(args)-1] != s.mountPoint {
		return errors.New("ltfs: unknown mount point")
	}
	if s.drive == "" {
		return errors.New("ltfs: no medium present")
	}
	if s.mounted {
		return errors.New("ltfs: mount point is busy")
	}
	if s.ForgetMount {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.mountPoint), 0755); err != nil {
		return err
	}
	if err := os.Symlink(s.TapePath(s.drive), s.mountPoint); err != nil {
		return errors.Wrap(err, "ltfs")
	}
	s.mounted = true
	return nil
}

func (s *Simulator) umount(args []string) error {
	if len(args) == 0 || args[0] != s.mountPoint {
		return errors.New("umount: unknown mount point")
	}
	if !s.mounted {
		return errors.Errorf("umount: %s: not mounted", s.mountPoint)
	}
	if s.BusyUnmounts > 0 {
		s.BusyUnmounts--
		return errors.Errorf("umount: %s: target is busy", s.mountPoint)
	}
	if err := os.Remove(s.mountPoint); err != nil {
		return errors.Wrap(err, "umount")
	}
	s.mounted = false
	s.lingerLeft = s.HelperLinger
	return nil
}

func (s *Simulator) mountTable() string {
	table := "proc on /proc type proc (rw,nosuid,nodev,noexec,relatime)\n"
	if s.mounted {
		table += fmt.Sprintf("ltfs:/dev/sim-st0 on %s type fuse (rw,nosuid,nodev,relatime)\n", s.mountPoint)
	}
	return table
}

func (s *Simulator) processList() string {
	list := "COMMAND\n/sbin/init\n"
	if s.mounted {
		list += fmt.Sprintf("ltfs -o devname=/dev/sim-st0 %s\n", s.mountPoint)
	} else if s.lingerLeft > 0 {
		s.lingerLeft--
		list += fmt.Sprintf("ltfs -o devname=/dev/sim-st0 %s\n", s.mountPoint)
	}
	return list
}

func (s *Simulator) df(args []string) ([]byte, error) {
	if !s.mounted || len(args) == 0 || args[len(args)-1] != s.mountPoint {
		return nil, errors.New("df: no file systems processed")
	}
	used, err := dirSize(s.TapePath(s.drive))
	if err != nil {
		return nil, err
	}
	avail := s.capacity - used
	if avail < 0 {
		avail = 0
	}
	pct := 0
	if s.capacity > 0 {
		pct = int((used*100 + s.capacity - 1) / s.capacity)
	}
	return []byte(fmt.Sprintf("Filesystem      Size  Used Avail Use%% Mounted on\nltfs:/dev/sim-st0 %s %s %s %d%% %s\n",
		dfLabel(s.capacity), dfLabel(used), dfLabel(avail), pct, s.mountPoint)), nil
}

// dfLabel prints sizes the way "df -h" does, without a space or trailing B.
func dfLabel(n int64) string {
	return strings.TrimSuffix(strings.ReplaceAll(utils.FormatSize(n), " ", ""), "B")
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
