package astm

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	FIELD_SEPARATOR     = "|"
	COMPONENT_SEPARATOR = "^"

	RECORD_HEADER     = 'H'
	RECORD_PATIENT    = 'P'
	RECORD_ORDER      = 'O'
	RECORD_RESULT     = 'R'
	RECORD_TERMINATOR = 'L'
	RECORD_COMMENT    = 'C'

	HEADER_PREFIX     = "H|"
	PATIENT_PREFIX    = "P|"
	ORDER_PREFIX      = "O|"
	RESULT_PREFIX     = "R|"
	TERMINATOR_PREFIX = "L|"
	COMMENT_PREFIX    = "C|"

	// TEST_NAME_PREFIX introduces the universal test id in result records,
	// as in "^^^^WBC^1".
	TEST_NAME_PREFIX = "^^^^"
)

var (
	// ErrShortRecord is returned when a record has fewer fields than its
	// parser needs.
	ErrShortRecord = errors.New("astm: short record")
	// ErrNoTestName is returned for a result record whose test id field
	// names no test.
	ErrNoTestName = errors.New("astm: no test name")
	// ErrNoSampleID is returned for an order record whose specimen fields
	// carry no recognisable sample id.
	ErrNoSampleID = errors.New("astm: no sample id")
)

// Header is the decoded H record of a message.
type Header struct {
	SenderName   string    `json:"sender_name"`
	SenderID     string    `json:"sender_id"`
	ReceiverID   string    `json:"receiver_id"`
	ProcessingID string    `json:"processing_id"`
	Version      string    `json:"version"`
	Timestamp    time.Time `json:"timestamp"`
}

// Patient is the decoded P record of a message.
type Patient struct {
	PracticeID string `json:"practice_id"`
	PatientID  string `json:"patient_id"`
	Name       string `json:"patient_name"`
	BirthDate  string `json:"birth_date"`
	Sex        string `json:"sex"`
}

// Order is the decoded O record that opens a sample.
type Order struct {
	SampleID       string `json:"sample_id"`
	SpecimenField  string `json:"specimen_field"`
	TestOrdered    string `json:"test_ordered"`
	Priority       string `json:"priority"`
	CollectionDate string `json:"collection_date"`
	CollectionTime string `json:"collection_time"`
	Volume         string `json:"volume"`
	CollectorID    string `json:"collector_id"`
}

// Result is one decoded R record.
type Result struct {
	TestName  string `json:"test_name"`
	Value     Value  `json:"value"`
	Unit      string `json:"unit"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// field returns the i-th field or the empty string when the record is too
// short. Sparse records are the norm, not an error.
func field(fields []string, i int) string {
	if i < len(fields) {
		return fields[i]
	}
	return ""
}

func splitRecord(line string) []string {
	return strings.Split(line, FIELD_SEPARATOR)
}

// ParseHeader decodes an H record. The timestamp is the capture time.
func ParseHeader(line string, now time.Time) Header {
	f := splitRecord(line)
	return Header{
		SenderName:   field(f, 4),
		SenderID:     field(f, 5),
		ReceiverID:   field(f, 6),
		ProcessingID: field(f, 11),
		Version:      field(f, 13),
		Timestamp:    now,
	}
}

// ParsePatient decodes a P record.
func ParsePatient(line string) Patient {
	f := splitRecord(line)
	return Patient{
		PracticeID: field(f, 1),
		PatientID:  field(f, 2),
		Name:       field(f, 5),
		BirthDate:  field(f, 7),
		Sex:        field(f, 8),
	}
}

// ParseOrder decodes an O record. The sample id comes from the specimen
// field, or the instrument specimen id field when the former yields nothing.
func ParseOrder(line string) (Order, error) {
	return parseOrder(line, nil)
}

func parseOrder(line string, trace TraceFunc) (Order, error) {
	f := splitRecord(line)
	if len(f) < 3 {
		return Order{}, fmt.Errorf("%w: order record must have at least 3 fields; instead had %d", ErrShortRecord, len(f))
	}

	o := Order{
		SpecimenField:  strings.TrimSpace(f[2]),
		TestOrdered:    field(f, 4),
		Priority:       field(f, 5),
		CollectionDate: field(f, 6),
		CollectionTime: field(f, 7),
		Volume:         field(f, 9),
		CollectorID:    field(f, 10),
	}

	id, ok := orderSampleID(f, trace)
	if !ok {
		return o, fmt.Errorf("%w in specimen field %q", ErrNoSampleID, o.SpecimenField)
	}
	o.SampleID = id

	return o, nil
}

// ParseResult decodes an R record. Sentinel values produce a null value and
// force the status to STATUS_ABNORMAL.
func ParseResult(line string) (Result, error) {
	f := splitRecord(line)
	if len(f) < 4 {
		return Result{}, fmt.Errorf("%w: result record must have at least 4 fields; instead had %d", ErrShortRecord, len(f))
	}

	name, ok := TestName(strings.TrimSpace(f[2]))
	if !ok {
		return Result{}, fmt.Errorf("%w in field %q", ErrNoTestName, f[2])
	}

	raw := strings.TrimSpace(f[3])
	r := Result{
		TestName:  name,
		Value:     CoerceValue(raw),
		Unit:      strings.TrimSpace(field(f, 4)),
		Status:    field(f, 6),
		Timestamp: field(f, 12),
	}
	if IsSentinel(raw) {
		r.Status = STATUS_ABNORMAL
	}

	return r, nil
}

// TestName extracts the test name from a universal test id field. It accepts
// "^^^^WBC^1", a bare "WBC", or any caret list whose first non-numeric
// component is the name.
func TestName(s string) (string, bool) {
	if strings.HasPrefix(s, TEST_NAME_PREFIX) {
		name := strings.TrimSpace(strings.SplitN(s[len(TEST_NAME_PREFIX):], COMPONENT_SEPARATOR, 2)[0])
		return name, name != ""
	}

	if s != "" && !strings.Contains(s, COMPONENT_SEPARATOR) {
		return s, true
	}

	for _, part := range strings.Split(s, COMPONENT_SEPARATOR) {
		part = strings.TrimSpace(part)
		if part != "" && !isDigits(part) {
			return part, true
		}
	}

	return "", false
}
