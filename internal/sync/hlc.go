package sync

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidHLC indicates that a hybrid logical clock stamp is malformed.
var ErrInvalidHLC = errors.New("sync: invalid hlc")

const (
	maxHLCLength      = 128
	hlcFieldCount     = 3
	hlcFieldSeparator = ":"
)

// HLC is a hybrid logical clock stamp of the form "physical:counter:device".
// Stamps are totally ordered by plain string comparison; the device suffix
// guarantees that two devices can never produce an equal stamp.
type HLC string

// NewHLC validates raw input and returns an HLC.
func NewHLC(rawInput string) (HLC, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidHLC)
	}
	if len(trimmed) > maxHLCLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidHLC, maxHLCLength)
	}
	segments := strings.SplitN(trimmed, hlcFieldSeparator, hlcFieldCount)
	if len(segments) != hlcFieldCount {
		return "", fmt.Errorf("%w: expected physical:counter:device", ErrInvalidHLC)
	}
	for _, segment := range segments {
		if segment == "" {
			return "", fmt.Errorf("%w: empty segment", ErrInvalidHLC)
		}
	}
	return HLC(trimmed), nil
}

// FormatHLC builds a stamp whose lexicographic order matches numeric order of
// the physical and counter components.
func FormatHLC(physicalMillis int64, counter int64, deviceID DeviceID) HLC {
	return HLC(fmt.Sprintf("%013d:%05d:%s", physicalMillis, counter, deviceID.String()))
}

// String returns the stamp as a string.
func (stamp HLC) String() string {
	return string(stamp)
}

// After reports whether the stamp orders strictly after the other stamp.
func (stamp HLC) After(other HLC) bool {
	return strings.Compare(string(stamp), string(other)) > 0
}
