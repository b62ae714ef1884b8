package astm

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/encoding"
)

// Trace stages.
const (
	StageDecode    = "decode"
	StageNormalize = "normalize"
	StageFramer    = "framer"
	StageSampleID  = "sample-id"
	StageRecord    = "record"
	StageSample    = "sample"
)

// MAX_LOGGED_LINE bounds how much of an offending line is logged.
const MAX_LOGGED_LINE = 50

// TraceEvent describes one parser decision. Detail names the mode, strategy
// or reason; Input is the text the decision was made on; Match is what it
// produced, if anything.
type TraceEvent struct {
	Stage  string
	Detail string
	Input  string
	Match  string
	OK     bool
}

// TraceFunc receives TraceEvents. It is called synchronously.
type TraceFunc func(TraceEvent)

// Options configures a Parser. The zero value is usable.
type Options struct {
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
	// Trace, if set, receives every decoding, framing and extraction
	// decision.
	Trace TraceFunc
	// Fallback decodes input that is not valid UTF-8. Defaults to
	// DefaultFallback.
	Fallback encoding.Encoding
	// Now stamps headers and finalized samples. Defaults to time.Now.
	Now func() time.Time
}

// Sample is a finalized sample: the message context it was found in and
// its results keyed by test name.
type Sample struct {
	Header   *Header           `json:"header"`
	Patient  Patient           `json:"patient_info"`
	Order    Order             `json:"sample_info"`
	Results  map[string]Result `json:"test_results"`
	ParsedAt time.Time         `json:"parsed_timestamp"`
}

// ID returns the sample id.
func (s Sample) ID() string {
	return s.Order.SampleID
}

// Parser turns instrument transmissions into samples. A Parser holds no
// per-parse state and may be used from several goroutines at once.
type Parser struct {
	log      *zap.Logger
	trace    TraceFunc
	fallback encoding.Encoding
	now      func() time.Time
}

func NewParser(opts Options) *Parser {
	p := &Parser{
		log:      opts.Logger,
		trace:    opts.Trace,
		fallback: opts.Fallback,
		now:      opts.Now,
	}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	if p.fallback == nil {
		p.fallback = DefaultFallback
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Parse parses a whole transmission with default options.
func Parse(buf []byte) []Sample {
	return NewParser(Options{}).Parse(buf)
}

// Parse decodes buf and returns the samples it holds, in transmission order.
// Malformed input never fails the parse; bad records are logged and skipped,
// and the result may be empty.
func (p *Parser) Parse(buf []byte) []Sample {
	text, fellBack := Decode(buf, p.fallback)
	p.emit(TraceEvent{Stage: StageDecode, Detail: decodeMode(fellBack), OK: true})
	return p.ParseText(text)
}

// ParseChunks concatenates chunks in order and parses the result.
func (p *Parser) ParseChunks(chunks [][]byte) []Sample {
	p.log.Debug("concatenating chunks", zap.Int("chunks", len(chunks)))
	text, fellBack := DecodeChunks(chunks, p.fallback)
	p.emit(TraceEvent{Stage: StageDecode, Detail: decodeMode(fellBack), OK: true})
	return p.ParseText(text)
}

// ParseText parses already decoded text.
func (p *Parser) ParseText(text string) []Sample {
	lines, literal := normalizeLines(text, p.fallback)
	if literal {
		p.emit(TraceEvent{Stage: StageNormalize, Detail: "literal", OK: true})
	} else {
		p.emit(TraceEvent{Stage: StageNormalize, Detail: "raw", OK: true})
	}

	messages := frameMessages(lines, p.trace)
	p.log.Debug("framed transmission",
		zap.Int("lines", len(lines)),
		zap.Int("messages", len(messages)),
		zap.Bool("literal", literal),
	)

	var samples []Sample
	for _, m := range messages {
		samples = append(samples, p.ParseMessage(m)...)
	}

	p.log.Info("parsed transmission",
		zap.Int("messages", len(messages)),
		zap.Int("samples", len(samples)),
	)

	return samples
}

// ParseMessage runs one message through a fresh aggregator.
func (p *Parser) ParseMessage(m Message) []Sample {
	s := session{p: p}
	for _, line := range m {
		if !s.feed(trimLine(line)) {
			break
		}
	}
	s.finalize()
	return s.out
}

func (p *Parser) emit(e TraceEvent) {
	if p.trace != nil {
		p.trace(e)
	}
}

func decodeMode(fellBack bool) string {
	if fellBack {
		return "fallback"
	}
	return "utf-8"
}

func clip(line string) string {
	if len(line) > MAX_LOGGED_LINE {
		return line[:MAX_LOGGED_LINE]
	}
	return line
}

// session is the state of one message. It is discarded when the message
// ends so nothing leaks into the next one.
type session struct {
	p *Parser

	header   *Header
	patient  Patient
	order    Order
	sampleID string
	results  map[string]Result

	out []Sample
}

// feed applies one record line and reports whether the message continues.
func (s *session) feed(line string) bool {
	if line == "" {
		return true
	}

	switch line[0] {
	case RECORD_HEADER:
		h := ParseHeader(line, s.p.now())
		s.header = &h
	case RECORD_PATIENT:
		s.patient = ParsePatient(line)
	case RECORD_ORDER:
		s.openOrder(line)
	case RECORD_RESULT:
		s.addResult(line)
	case RECORD_TERMINATOR:
		s.finalize()
		s.p.log.Debug("end of message")
		return false
	default:
		// comments and unknown record types carry nothing we keep
	}

	return true
}

func (s *session) openOrder(line string) {
	if s.sampleID != "" {
		s.finalize()
	}

	o, err := parseOrder(line, s.p.trace)
	if err != nil {
		s.p.log.Warn("skipping order record", zap.String("line", clip(line)), zap.Error(err))
		s.p.emit(TraceEvent{Stage: StageRecord, Detail: "order-without-sample-id", Input: line})
		return
	}

	s.sampleID = o.SampleID
	s.order = o
	s.results = make(map[string]Result)
	s.p.log.Debug("opened sample", zap.String("sample_id", o.SampleID))
}

func (s *session) addResult(line string) {
	if s.sampleID == "" {
		s.p.log.Warn("result without active sample", zap.String("line", clip(line)))
		s.p.emit(TraceEvent{Stage: StageRecord, Detail: "result-without-sample", Input: line})
		return
	}

	r, err := ParseResult(line)
	if err != nil {
		s.p.log.Warn("skipping result record", zap.String("line", clip(line)), zap.Error(err))
		s.p.emit(TraceEvent{Stage: StageRecord, Detail: "unparseable-result", Input: line})
		return
	}

	s.results[r.TestName] = r
}

// finalize closes the open sample, emitting it when it has an id and at
// least one result. The sample scope is cleared either way.
func (s *session) finalize() {
	id, results := s.sampleID, s.results
	order := s.order

	s.sampleID = ""
	s.order = Order{}
	s.results = nil

	switch {
	case id == "":
		return
	case len(results) == 0:
		s.p.log.Debug("dropping sample without results", zap.String("sample_id", id))
		s.p.emit(TraceEvent{Stage: StageSample, Detail: "no-results", Input: id})
		return
	}

	var header *Header
	if s.header != nil {
		h := *s.header
		header = &h
	}

	sample := Sample{
		Header:   header,
		Patient:  s.patient,
		Order:    order,
		Results:  results,
		ParsedAt: s.p.now(),
	}
	s.out = append(s.out, sample)

	s.p.log.Debug("finalized sample",
		zap.String("sample_id", id),
		zap.String("patient_id", s.patient.PatientID),
		zap.Int("results", len(results)),
	)
	s.p.emit(TraceEvent{Stage: StageSample, Detail: "emitted", Input: id, Match: id, OK: true})
}
