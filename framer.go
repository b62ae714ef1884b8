package astm

import (
	"fmt"
	"strings"
)

// Placeholder records used to wrap a fragmented transmission. The order
// record is completed with the recovered sample id.
const (
	SYNTHETIC_HEADER     = `H|\^&|||Sysmex|||||||P|1|20250710154953`
	SYNTHETIC_PATIENT    = "P|1|||||||||||||||||||||||||||||||"
	SYNTHETIC_ORDER      = "O|1|^1^%s^B|^^^^|ALL|||||||||||||||||||||||||||"
	SYNTHETIC_TERMINATOR = "L|1|N"
)

// Message is the ordered record lines of one H..L message.
type Message []string

// IsFragment reports whether lines hold only result, comment and terminator
// records, i.e. a transmission that lost its header, patient and order.
func IsFragment(lines []string) bool {
	if len(lines) == 0 {
		return false
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, RESULT_PREFIX) &&
			!strings.HasPrefix(line, COMMENT_PREFIX) &&
			!strings.HasPrefix(line, TERMINATOR_PREFIX) {
			return false
		}
	}
	return true
}

// FrameMessages splits normalized lines into messages. A fragmented
// transmission becomes a single message with a synthesized envelope.
func FrameMessages(lines []string) []Message {
	return frameMessages(lines, nil)
}

func frameMessages(lines []string, trace TraceFunc) []Message {
	if IsFragment(lines) {
		if trace != nil {
			trace(TraceEvent{Stage: StageFramer, Detail: "fragment", OK: true})
		}
		return []Message{envelope(lines, trace)}
	}

	if trace != nil {
		trace(TraceEvent{Stage: StageFramer, Detail: "standard", OK: true})
	}

	var (
		messages []Message
		current  Message
	)

	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, HEADER_PREFIX):
			if current != nil {
				messages = append(messages, current)
			}
			current = Message{line}
		case strings.HasPrefix(line, TERMINATOR_PREFIX):
			// a terminator with no open message is dropped
			if current != nil {
				messages = append(messages, append(current, line))
			}
			current = nil
		case current != nil:
			current = append(current, line)
		}
	}

	if current != nil {
		messages = append(messages, append(current, SYNTHETIC_TERMINATOR))
	}

	return messages
}

func envelope(lines []string, trace TraceFunc) Message {
	id, ok := extractSampleIDFromLines(lines, trace)
	if !ok {
		id = UNKNOWN_SAMPLE_ID
	}

	m := make(Message, 0, len(lines)+4)
	m = append(m, SYNTHETIC_HEADER, SYNTHETIC_PATIENT, fmt.Sprintf(SYNTHETIC_ORDER, id))
	m = append(m, lines...)

	if !hasTerminator(m) {
		m = append(m, SYNTHETIC_TERMINATOR)
	}

	return m
}

func hasTerminator(lines []string) bool {
	for _, line := range lines {
		if strings.HasPrefix(line, TERMINATOR_PREFIX) {
			return true
		}
	}
	return false
}
