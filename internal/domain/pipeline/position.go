package pipeline

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Position marks a task's resume point within its data source. Positions are
// serialized into job item progress so an interrupted run can pick up where it
// left off. Implementations are immutable values.
type Position interface {
	// String encodes the position in its compact wire form.
	String() string
}

// FinishedPosition marks a task whose work is complete. A task holding this
// position at launch time is skipped entirely.
type FinishedPosition struct{}

// String returns the wire form of a finished position.
func (FinishedPosition) String() string { return "f" }

// PlaceholderPosition is a position for tasks whose source has no meaningful
// resume coordinate.
type PlaceholderPosition struct{}

// String returns the wire form of a placeholder position.
func (PlaceholderPosition) String() string { return "p" }

// PrimaryKeyPosition tracks an inventory task's progress through a primary key
// range. Begin advances as rows are copied; the task is done when it passes End.
type PrimaryKeyPosition struct {
	Begin int64
	End   int64
}

// String returns the wire form of a primary key position.
func (p PrimaryKeyPosition) String() string {
	return fmt.Sprintf("i,%d,%d", p.Begin, p.End)
}

// LogPosition tracks an incremental task's offset in the source change log.
type LogPosition struct {
	Sequence uint64
}

// String returns the wire form of a log position.
func (p LogPosition) String() string {
	return fmt.Sprintf("l,%d", p.Sequence)
}

// IsFinished reports whether a position marks completed work.
func IsFinished(p Position) bool {
	_, ok := p.(FinishedPosition)
	return ok
}

// ErrInvalidPosition is returned when a serialized position cannot be decoded.
var ErrInvalidPosition = errors.New("invalid position")

// ParsePosition decodes a position from its compact wire form.
func ParsePosition(s string) (Position, error) {
	switch {
	case s == "f":
		return FinishedPosition{}, nil
	case s == "p":
		return PlaceholderPosition{}, nil
	case strings.HasPrefix(s, "i,"):
		parts := strings.Split(s, ",")
		if len(parts) != 3 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPosition, s)
		}
		begin, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPosition, s, err)
		}
		end, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPosition, s, err)
		}
		return PrimaryKeyPosition{Begin: begin, End: end}, nil
	case strings.HasPrefix(s, "l,"):
		seq, err := strconv.ParseUint(s[2:], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPosition, s, err)
		}
		return LogPosition{Sequence: seq}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidPosition, s)
	}
}
