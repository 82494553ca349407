package parallel

import (
	"strings"

	"github.com/pkg/errors"
)

// Mode selects how layer parameters are sharded across tensor parallel ranks.
type Mode string

const (
	ModeNone Mode = "None"
	Mode1D   Mode = "1d"
	Mode2D   Mode = "2d"
	Mode2p5D Mode = "2.5d"
	Mode3D   Mode = "3d"
)

// ErrUnsupportedMode is returned when a mode has no registered implementation.
var ErrUnsupportedMode = errors.New("unsupported tensor parallel mode")

// Modes returns every mode this package knows how to lay out.
func Modes() []Mode {
	return []Mode{ModeNone, Mode1D, Mode2D, Mode2p5D, Mode3D}
}

// ParseMode accepts the canonical names case-insensitively; the empty
// string means ModeNone.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return ModeNone, nil
	case "1d":
		return Mode1D, nil
	case "2d":
		return Mode2D, nil
	case "2.5d", "2p5d":
		return Mode2p5D, nil
	case "3d":
		return Mode3D, nil
	}
	return "", errors.Wrapf(ErrUnsupportedMode, "%q", s)
}

func (m Mode) String() string {
	return string(m)
}
