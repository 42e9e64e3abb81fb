package tapehardware

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"

	"ltfs-tier/utils"
)

// Autoloader status grammar, one element per line:
//
//	Storage Changer <dev>:<n> Drives, <m> Slots ( <k> Import/Export )
//	Data Transfer Element <n>:Empty
//	Data Transfer Element <n>:Full (Storage Element <s> Loaded):VolumeTag = <tag>
//	Storage Element <n>:Empty
//	Storage Element <n>:Full :VolumeTag=<tag>
//	Storage Element <n> IMPORT/EXPORT:Full :VolumeTag=<tag>
//
// Anything else is a MalformedOutputError.
var (
	changerLine = regexp.MustCompile(`^Storage Changer (\S+):(\d+) Drives?, (\d+) Slots?(?: \( (\d+) Import/Export \))?$`)
	driveLine   = regexp.MustCompile(`^Data Transfer Element (\d+):(Empty|Full)(?: \(Storage Element (\d+) Loaded\))?(?:\s*:\s*VolumeTag\s*=\s*(\S*))?$`)
	slotLine    = regexp.MustCompile(`^Storage Element (\d+)( IMPORT/EXPORT)?:(Empty|Full)(?:\s*:\s*VolumeTag\s*=\s*(\S*))?$`)
)

// DriveElement is a data transfer element of the autoloader.
type DriveElement struct {
	Number     int
	Full       bool
	SourceSlot int
	VolumeTag  string
}

// StorageElement is a slot of the autoloader.
type StorageElement struct {
	Number       int
	Full         bool
	ImportExport bool
	VolumeTag    string
}

// LibraryStatus is one observation of the autoloader.
type LibraryStatus struct {
	Device string
	Drives []DriveElement
	Slots  []StorageElement
}

// ParseLibraryStatus parses the output of "mtx status".
func ParseLibraryStatus(text string) (*LibraryStatus, error) {
	status := &LibraryStatus{}
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if m := changerLine.FindStringSubmatch(line); m != nil {
			status.Device = m[1]
			continue
		}
		if m := driveLine.FindStringSubmatch(line); m != nil {
			drive := DriveElement{Number: atoi(m[1]), Full: m[2] == "Full", VolumeTag: m[4]}
			if m[3] != "" {
				drive.SourceSlot = atoi(m[3])
			}
			status.Drives = append(status.Drives, drive)
			continue
		}
		if m := slotLine.FindStringSubmatch(line); m != nil {
			status.Slots = append(status.Slots, StorageElement{
				Number:       atoi(m[1]),
				ImportExport: m[2] != "",
				Full:         m[3] == "Full",
				VolumeTag:    m[4],
			})
			continue
		}
		return nil, &utils.MalformedOutputError{Tool: "mtx status", Line: line}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(status.Drives) == 0 {
		return nil, &utils.MalformedOutputError{Tool: "mtx status", Line: "no data transfer element"}
	}
	return status, nil
}

// Drive returns the data transfer element with the given number.
func (s *LibraryStatus) Drive(number int) (DriveElement, bool) {
	for _, d := range s.Drives {
		if d.Number == number {
			return d, true
		}
	}
	return DriveElement{}, false
}

// FindTape returns the storage slot holding tag.
func (s *LibraryStatus) FindTape(tag string) (int, bool) {
	for _, slot := range s.Slots {
		if slot.Full && slot.VolumeTag == tag {
			return slot.Number, true
		}
	}
	return 0, false
}

// FreeSlot picks an empty storage slot, preferring the one a cartridge was
// loaded from. Import/export slots are never chosen.
func (s *LibraryStatus) FreeSlot(preferred int) (int, bool) {
	first := 0
	for _, slot := range s.Slots {
		if slot.Full || slot.ImportExport {
			continue
		}
		if slot.Number == preferred {
			return slot.Number, true
		}
		if first == 0 {
			first = slot.Number
		}
	}
	return first, first != 0
}

// MountEntry is one line of the mount table.
type MountEntry struct {
	Source string
	Target string
	FSType string
}

var mountLine = regexp.MustCompile(`^(\S+) on (.+) type (\S+)(?: \(.*\))?$`)

// ParseMountTable parses the output of "mount" ("<src> on <dir> type <fs> (<opts>)").
func ParseMountTable(text string) ([]MountEntry, error) {
	var entries []MountEntry
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		m := mountLine.FindStringSubmatch(line)
		if m == nil {
			return nil, &utils.MalformedOutputError{Tool: "mount", Line: line}
		}
		entries = append(entries, MountEntry{Source: m[1], Target: m[2], FSType: m[3]})
	}
	return entries, scanner.Err()
}

// FreeSpace is the free space report for one mounted filesystem. Sizes are
// the labels df printed.
type FreeSpace struct {
	Filesystem string
	Size       string
	Used       string
	Available  string
	UsePercent int
	MountedOn  string
}

// ParseFreeSpace parses "df -hP <dir>": a header then
// filesystem, size, used, avail, use%, mounted on.
func ParseFreeSpace(text string) (*FreeSpace, error) {
	scanner := bufio.NewScanner(strings.NewReader(text))
	header := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if header {
			if !strings.HasPrefix(line, "Filesystem") {
				return nil, &utils.MalformedOutputError{Tool: "df", Line: line}
			}
			header = false
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 6 || !strings.HasSuffix(fields[4], "%") {
			return nil, &utils.MalformedOutputError{Tool: "df", Line: line}
		}
		pct, err := strconv.Atoi(strings.TrimSuffix(fields[4], "%"))
		if err != nil {
			return nil, &utils.MalformedOutputError{Tool: "df", Line: line}
		}
		return &FreeSpace{
			Filesystem: fields[0],
			Size:       fields[1],
			Used:       fields[2],
			Available:  fields[3],
			UsePercent: pct,
			MountedOn:  strings.Join(fields[5:], " "),
		}, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, &utils.MalformedOutputError{Tool: "df", Line: "no filesystem line"}
}

// helperRunning reports whether "ps -eo args" lists an ltfs process serving
// mountPoint.
func helperRunning(psOutput, mountPoint string) bool {
	scanner := bufio.NewScanner(strings.NewReader(psOutput))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || !strings.HasSuffix(fields[0], "ltfs") {
			continue
		}
		for _, f := range fields[1:] {
			if f == mountPoint {
				return true
			}
		}
	}
	return false
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
