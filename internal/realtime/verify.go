package realtime

import (
	"errors"
	"fmt"

	kirokuErrors "github.com/harunnryd/kiroku/internal/errors"
)

// VerifyEvents checks a session log: sequences start at 0 with no gaps, the
// first event is the session configuration, and elapsed_ms_since_audio_start
// is null before the first audio upload, 0 at it and non-decreasing after.
// Every violation found is joined into the returned error.
func VerifyEvents(events []Event) error {
	var errs []error
	violation := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kirokuErrors.ErrValidation))
	}

	if len(events) > 0 && events[0].Type != EventSessionUpdate {
		violation("first event is %q, want %q", events[0].Type, EventSessionUpdate)
	}

	audioSeen := false
	var last int64
	for i, e := range events {
		if e.Sequence != int64(i) {
			violation("event %d has sequence %d", i, e.Sequence)
		}

		switch {
		case !audioSeen && e.Type == EventAudioAppend:
			audioSeen = true
			if e.ElapsedMsSinceAudioStart == nil || *e.ElapsedMsSinceAudioStart != 0 {
				violation("first audio upload (sequence %d) must have elapsed 0", e.Sequence)
			}
			last = 0
		case !audioSeen:
			if e.ElapsedMsSinceAudioStart != nil {
				violation("event %d (%s) precedes audio upload but has elapsed %d", e.Sequence, e.Type, *e.ElapsedMsSinceAudioStart)
			}
		default:
			if e.ElapsedMsSinceAudioStart == nil {
				violation("event %d (%s) follows audio upload but has no elapsed value", e.Sequence, e.Type)
				continue
			}
			if *e.ElapsedMsSinceAudioStart < last {
				violation("event %d elapsed %d decreases from %d", e.Sequence, *e.ElapsedMsSinceAudioStart, last)
			}
			last = *e.ElapsedMsSinceAudioStart
		}
	}

	return errors.Join(errs...)
}
