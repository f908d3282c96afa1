package outbox

import "strconv"

// EventSequence is the cursor over the outbox. Sequences are assigned inside
// the publishing transaction and are contiguous across committed events.
type EventSequence uint64

// BeginningOfTime is the checkpoint that replays the outbox from its first event.
const BeginningOfTime EventSequence = 0

func (s EventSequence) Next() EventSequence {
	return s + 1
}

func (s EventSequence) String() string {
	return strconv.FormatUint(uint64(s), 10)
}

// ParseEventSequence parses the decimal form produced by String.
func ParseEventSequence(s string) (EventSequence, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return EventSequence(v), nil
}
