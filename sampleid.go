package astm

import (
	"regexp"
	"strings"
)

const (
	// MIN_SAMPLE_ID_DIGITS is the shortest digit run accepted as a sample id
	// once the field is not a bare number.
	MIN_SAMPLE_ID_DIGITS = 6

	// UNKNOWN_SAMPLE_ID is used in synthesized order records when a fragment
	// carries no recognisable id.
	UNKNOWN_SAMPLE_ID = "UNKNOWN"
)

// SampleIDStrategy is one step of the sample id cascade. Extract returns the
// id and true on success.
type SampleIDStrategy struct {
	Name    string
	Extract func(field string) (string, bool)
}

// SampleIDStrategies is the cascade in priority order. The patterns overlap,
// so the order decides which id wins.
var SampleIDStrategies = []SampleIDStrategy{
	{"digits", extractDigits},
	{"caret-subfield", extractCaretSubfield},
	regexStrategy("regex-7-10-B", `^7\^10\^\s*(\d{6,})\^B`),
	regexStrategy("regex-caret-letter", `\^\d+\^\s*(\d{6,})\^[A-Z]`),
	regexStrategy("regex-digit-run", `(\d{6,})`),
	regexStrategy("regex-space-digits", `\s+(\d{6,})`),
	regexStrategy("regex-caret-digits", `\^(\d{6,})`),
}

var pngSampleID = regexp.MustCompile(`(?i)_(\d{7})_[A-Z_]+\.PNG`)

func regexStrategy(name, pattern string) SampleIDStrategy {
	re := regexp.MustCompile(pattern)
	return SampleIDStrategy{
		Name: name,
		Extract: func(field string) (string, bool) {
			m := re.FindStringSubmatch(field)
			if m == nil {
				return "", false
			}
			return m[1], true
		},
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func extractDigits(field string) (string, bool) {
	if isDigits(field) {
		return field, true
	}
	return "", false
}

func extractCaretSubfield(field string) (string, bool) {
	if !strings.Contains(field, "^") {
		return "", false
	}
	for _, part := range strings.Split(field, "^") {
		part = strings.TrimSpace(part)
		// empty parts and one-letter flags such as "B"
		if len(part) <= 1 {
			continue
		}
		if isDigits(part) && len(part) >= MIN_SAMPLE_ID_DIGITS {
			return part, true
		}
	}
	return "", false
}

// ExtractSampleID recovers a sample id from a specimen style field. A false
// return is an expected outcome for fields that carry no id.
func ExtractSampleID(field string) (string, bool) {
	return extractSampleID(field, nil)
}

// ExtractSampleIDWithTrace is ExtractSampleID reporting every strategy
// attempt to trace.
func ExtractSampleIDWithTrace(field string, trace TraceFunc) (string, bool) {
	return extractSampleID(field, trace)
}

func extractSampleID(field string, trace TraceFunc) (string, bool) {
	if field == "" {
		return "", false
	}
	for _, s := range SampleIDStrategies {
		id, ok := s.Extract(field)
		if trace != nil {
			trace(TraceEvent{Stage: StageSampleID, Detail: s.Name, Input: field, Match: id, OK: ok})
		}
		if ok {
			return id, true
		}
	}
	return "", false
}

// orderSampleID applies the cascade to the specimen column and, failing that,
// to the instrument specimen id column.
func orderSampleID(fields []string, trace TraceFunc) (string, bool) {
	if id, ok := extractSampleID(strings.TrimSpace(field(fields, 2)), trace); ok {
		return id, true
	}
	if len(fields) > 3 {
		return extractSampleID(strings.TrimSpace(fields[3]), trace)
	}
	return "", false
}

// ExtractSampleIDFromLines searches a set of record lines for a sample id:
// image filenames in result records first, then order records.
func ExtractSampleIDFromLines(lines []string) (string, bool) {
	return extractSampleIDFromLines(lines, nil)
}

func extractSampleIDFromLines(lines []string, trace TraceFunc) (string, bool) {
	for _, line := range lines {
		if !strings.HasPrefix(line, RESULT_PREFIX) || !strings.Contains(strings.ToUpper(line), ".PNG") {
			continue
		}
		if m := pngSampleID.FindStringSubmatch(line); m != nil {
			if trace != nil {
				trace(TraceEvent{Stage: StageSampleID, Detail: "png-filename", Input: line, Match: m[1], OK: true})
			}
			return m[1], true
		}
	}

	for _, line := range lines {
		if !strings.HasPrefix(line, ORDER_PREFIX) {
			continue
		}
		fields := strings.Split(line, FIELD_SEPARATOR)
		if len(fields) <= 2 {
			continue
		}
		if id, ok := orderSampleID(fields, trace); ok {
			return id, true
		}
	}

	return "", false
}
