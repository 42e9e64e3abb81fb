package utils

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// HardwareError reports a robot, drive or mount failure.
type HardwareError struct {
	Op  string
	Err error
}

func (e *HardwareError) Error() string {
	if e.Err == nil {
		return "hardware: " + e.Op
	}
	return fmt.Sprintf("hardware: %s: %v", e.Op, e.Err)
}

func (e *HardwareError) Unwrap() error { return e.Err }

// NewHardwareError wraps err as a failure of the named hardware operation.
func NewHardwareError(op string, err error) error {
	return &HardwareError{Op: op, Err: err}
}

// SpaceError is returned when no tape of a group can hold the requested bytes.
// Available lists the reported free size of every candidate tape.
type SpaceError struct {
	Group     string
	Required  int64
	Available map[string]string
}

func (e *SpaceError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "no tape in group %s has %s available", e.Group, FormatSize(e.Required))
	if len(e.Available) > 0 {
		b.WriteString(" (")
		first := true
		for _, tape := range SortedKeys(e.Available) {
			if !first {
				b.WriteString(", ")
			}
			first = false
			fmt.Fprintf(&b, "%s: %s", tape, e.Available[tape])
		}
		b.WriteString(")")
	}
	return b.String()
}

// ValidationError reports a source that does not match what the job declared.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

// VerificationError reports a destination whose size, or digest when hash
// verification is on, differs from its source after a copy.
type VerificationError struct {
	Source      string
	Destination string
	SourceSize  int64
	DestSize    int64
	SourceSum   string
	DestSum     string
}

func (e *VerificationError) Error() string {
	if e.SourceSum != "" && e.SourceSize == e.DestSize {
		return fmt.Sprintf("verification: %s has sha256 %s but %s has %s",
			e.Destination, e.DestSum, e.Source, e.SourceSum)
	}
	return fmt.Sprintf("verification: %s is %d bytes but %s is %d bytes",
		e.Destination, e.DestSize, e.Source, e.SourceSize)
}

// TransferReason classifies remote copy failures.
type TransferReason string

const (
	TransferAuth    TransferReason = "authentication"
	TransferMissing TransferReason = "missing-path"
	TransferNetwork TransferReason = "network"
	TransferGeneric TransferReason = "transfer"
)

// TransferError reports a failed local or remote copy.
type TransferError struct {
	Reason TransferReason
	Host   string
	Path   string
	Err    error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s failure copying %s:%s: %v", e.Reason, e.Host, e.Path, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// MalformedOutputError is returned when a device tool prints something the
// status grammar does not describe.
type MalformedOutputError struct {
	Tool string
	Line string
}

func (e *MalformedOutputError) Error() string {
	return fmt.Sprintf("malformed %s output: %q", e.Tool, e.Line)
}

// IsPermanent reports whether retrying the job cannot help: space,
// validation and non-network transfer failures need an operator.
func IsPermanent(err error) bool {
	var space *SpaceError
	var validation *ValidationError
	var transfer *TransferError
	switch {
	case stderrors.As(err, &space), stderrors.As(err, &validation):
		return true
	case stderrors.As(err, &transfer):
		return transfer.Reason != TransferNetwork
	}
	return false
}

// IsHardware reports whether err is, or wraps, a HardwareError.
func IsHardware(err error) bool {
	var hw *HardwareError
	return stderrors.As(err, &hw)
}
