package astm

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var fixedNow = time.Date(2025, 7, 10, 15, 49, 53, 0, time.UTC)

func testParser(trace TraceFunc) *Parser {
	return NewParser(Options{
		Trace: trace,
		Now:   func() time.Time { return fixedNow },
	})
}

func transmission(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r") + "\r")
}

var wellFormed = transmission(
	`H|\^&|||XN-550^00-22^12345|||||||P|1|E1394-97`,
	"P|1|PT-001|||DOE^JANE||19800101|F",
	"O|1|^1^3616340^B||^^^^CBC|R",
	"R|1|^^^^WBC^1|5.2|10^3/uL||N||||||20250710154953",
	"R|2|^^^^RBC^1|4.61|10^6/uL||N",
	"R|3|^^^^PLT^1|----|10^3/uL||N",
	"C|1|I|comment|G",
	"L|1|N",
)

func TestParseWellFormed(t *testing.T) {
	a := assert.New(t)

	samples := testParser(nil).Parse(wellFormed)
	require.Len(t, samples, 1)

	s := samples[0]
	a.Equal("3616340", s.ID())
	a.Equal("PT-001", s.Patient.PatientID)
	a.Equal("^^^^CBC", s.Order.TestOrdered)
	if a.NotNil(s.Header) {
		a.Equal("XN-550^00-22^12345", s.Header.SenderName)
		a.Equal(fixedNow, s.Header.Timestamp)
	}
	a.Equal(fixedNow, s.ParsedAt)

	a.Len(s.Results, 3)
	a.Equal(Value{Kind: KindFloat, Float: 5.2}, s.Results["WBC"].Value)
	a.Equal("10^3/uL", s.Results["WBC"].Unit)
	a.True(s.Results["PLT"].Value.IsNull())
	a.Equal(STATUS_ABNORMAL, s.Results["PLT"].Status)
}

func TestParseChunks(t *testing.T) {
	a := assert.New(t)

	half := len(wellFormed) / 2
	samples := testParser(nil).ParseChunks([][]byte{wellFormed[:half], wellFormed[half:]})
	a.Equal(testParser(nil).Parse(wellFormed), samples)
}

func TestParseFragment(t *testing.T) {
	a := assert.New(t)

	samples := testParser(nil).Parse(transmission(
		"R|1|^^^^WBC^1|5.2|10^3/uL||N",
		"R|2|^^^^HGB^1|13.9|g/dL||N",
		"R|40|^^^^SCAT_WDF|PNG&R&20250710&R&2025_07_10_15_49_3616340_WDF.PNG|||N",
	))

	require.Len(t, samples, 1)
	a.Equal("3616340", samples[0].ID())
	a.Len(samples[0].Results, 3)
	a.Equal("Sysmex", samples[0].Header.SenderName)
}

func TestParseFragmentWithoutID(t *testing.T) {
	a := assert.New(t)

	var dropped []TraceEvent
	samples := testParser(func(e TraceEvent) {
		if e.Stage == StageRecord {
			dropped = append(dropped, e)
		}
	}).Parse(transmission("R|1|^^^^WBC^1|5.2", "R|2|^^^^HGB^1|13.9"))

	a.Empty(samples)
	if a.Len(dropped, 3) {
		a.Equal("order-without-sample-id", dropped[0].Detail)
		a.Equal("result-without-sample", dropped[1].Detail)
	}
}

func TestParseTwoMessagesIsolated(t *testing.T) {
	a := assert.New(t)

	samples := testParser(nil).Parse(transmission(
		`H|\^&|||FIRST`,
		"P|1|PT-001|||DOE^JANE",
		"O|1|1111111",
		"R|1|^^^^WBC^1|5.2",
		"L|1|N",
		`H|\^&|||SECOND`,
		"O|1|2222222",
		"R|1|^^^^RBC^1|4.6",
		"L|1|N",
	))

	require.Len(t, samples, 2)
	a.Equal("1111111", samples[0].ID())
	a.Equal("FIRST", samples[0].Header.SenderName)
	a.Equal("PT-001", samples[0].Patient.PatientID)

	a.Equal("2222222", samples[1].ID())
	a.Equal("SECOND", samples[1].Header.SenderName)
	a.Equal(Patient{}, samples[1].Patient)
	a.NotContains(samples[1].Results, "WBC")
	a.Contains(samples[1].Results, "RBC")
}

func TestParseOrderWithoutResultsDropped(t *testing.T) {
	a := assert.New(t)

	samples := testParser(nil).Parse(transmission(
		`H|\^&`,
		"O|1|1111111",
		"O|2|2222222",
		"R|1|^^^^WBC^1|5.2",
		"L|1|N",
	))

	require.Len(t, samples, 1)
	a.Equal("2222222", samples[0].ID())
}

func TestParseMultipleSamplesPerMessage(t *testing.T) {
	a := assert.New(t)

	samples := testParser(nil).Parse(transmission(
		`H|\^&`,
		"P|1|PT-001",
		"O|1|1111111",
		"R|1|^^^^WBC^1|5.2",
		"O|2|2222222",
		"R|1|^^^^WBC^1|6.1",
		"R|2|^^^^WBC^1|6.3",
		"L|1|N",
	))

	require.Len(t, samples, 2)
	a.Equal("1111111", samples[0].ID())
	a.Equal("2222222", samples[1].ID())
	// the later result for a test replaces the earlier one
	a.Equal(6.3, samples[1].Results["WBC"].Value.Float)
	a.Len(samples[1].Results, 1)
	// patient info stays in scope for every sample of the message
	a.Equal("PT-001", samples[1].Patient.PatientID)
}

func TestParseSamplesDoNotShareHeader(t *testing.T) {
	a := assert.New(t)

	samples := testParser(nil).Parse(transmission(
		`H|\^&|||XN-550`,
		"O|1|1111111",
		"R|1|^^^^WBC^1|5.2",
		"O|2|2222222",
		"R|1|^^^^WBC^1|6.1",
		"L|1|N",
	))
	require.Len(t, samples, 2)
	require.NotNil(t, samples[0].Header)
	require.NotNil(t, samples[1].Header)

	a.NotSame(samples[0].Header, samples[1].Header)
	samples[0].Header.SenderName = "edited"
	a.Equal("XN-550", samples[1].Header.SenderName)
}

func TestParseBadOrderClosesPreviousSample(t *testing.T) {
	a := assert.New(t)

	samples := testParser(nil).Parse(transmission(
		`H|\^&`,
		"O|1|1111111",
		"R|1|^^^^WBC^1|5.2",
		"O|2|^^^^",
		"R|1|^^^^RBC^1|4.6",
		"L|1|N",
	))

	require.Len(t, samples, 1)
	a.Equal("1111111", samples[0].ID())
	a.NotContains(samples[0].Results, "RBC")
}

func TestParseStopsAtTerminator(t *testing.T) {
	a := assert.New(t)

	m := Message{`H|\^&`, "O|1|1111111", "R|1|^^^^WBC^1|5.2", "L|1|N", "R|2|^^^^RBC^1|4.6"}
	samples := testParser(nil).ParseMessage(m)

	require.Len(t, samples, 1)
	a.NotContains(samples[0].Results, "RBC")
}

func TestParseMissingTerminator(t *testing.T) {
	a := assert.New(t)

	samples := testParser(nil).Parse(transmission(`H|\^&`, "O|1|1111111", "R|1|^^^^WBC^1|5.2"))
	require.Len(t, samples, 1)
	a.Equal("1111111", samples[0].ID())
}

func TestParseLiteralForm(t *testing.T) {
	a := assert.New(t)

	text := "b'H|\\\\^&|||XN-550\\r'\n" +
		"b'O|1|^1^3616340^B\\r'\n" +
		"b'R|2|^^^^WBC^1|5.2|10^3/uL|N||\\r'\n" +
		"b'L|1|N\\r'\n"

	samples := testParser(nil).Parse([]byte(text))
	require.Len(t, samples, 1)
	a.Equal("3616340", samples[0].ID())
	a.Equal(5.2, samples[0].Results["WBC"].Value.Float)
}

func TestParseLiteralFormMatchesRaw(t *testing.T) {
	a := assert.New(t)

	raw := transmission(
		`H|\^&|||XN-550`,
		"P|1|PT-001|||M\xfcller^J\xfcrgen",
		"O|1|^1^3616340^B",
		"R|1|^^^^WBC^1|5.2",
		"L|1|N",
	)
	printed := "b'H|\\\\^&|||XN-550\\r'\n" +
		"b'P|1|PT-001|||M\\xfcller^J\\xfcrgen\\r'\n" +
		"b'O|1|^1^3616340^B\\r'\n" +
		"b'R|1|^^^^WBC^1|5.2\\r'\n" +
		"b'L|1|N\\r'\n"

	fromRaw := testParser(nil).Parse(raw)
	fromPrinted := testParser(nil).Parse([]byte(printed))
	require.Len(t, fromRaw, 1)
	require.Len(t, fromPrinted, 1)

	a.Equal("Müller^Jürgen", fromRaw[0].Patient.Name)
	a.Equal(fromRaw[0].Patient.Name, fromPrinted[0].Patient.Name)
	if diff := cmp.Diff(fromRaw, fromPrinted); diff != "" {
		t.Errorf("printed capture parses differently:\n%s", diff)
	}
}

func TestParseGarbage(t *testing.T) {
	a := assert.New(t)

	inputs := [][]byte{
		nil,
		{},
		[]byte("\xff\xfe\x00\x01"),
		[]byte("||||\r^^^\r"),
		[]byte("H\rP\rO\rR\rL\r"),
		[]byte("H|\rO|\rR|\rR|1|^^^^X\r"),
	}
	for _, in := range inputs {
		a.NotPanics(func() {
			a.Empty(Parse(in))
		})
	}
}

func TestParseIdempotent(t *testing.T) {
	p := testParser(nil)

	first := p.Parse(wellFormed)
	for i := 0; i < 3; i++ {
		if diff := cmp.Diff(first, p.Parse(wellFormed)); diff != "" {
			t.Fatalf("parse output changed (-first +again):\n%s", diff)
		}
	}
}

func TestParseConcurrent(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := testParser(nil)
	want := p.Parse(wellFormed)

	var wg sync.WaitGroup
	results := make([][]Sample, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = p.Parse(wellFormed)
		}(i)
	}
	wg.Wait()

	for _, got := range results {
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("concurrent parse differs:\n%s", diff)
		}
	}
}

func TestParseLogsSkippedLines(t *testing.T) {
	a := assert.New(t)

	core, logs := observer.New(zap.WarnLevel)
	p := NewParser(Options{Logger: zap.New(core)})

	p.Parse(transmission(`H|\^&`, "R|1|^^^^WBC^1|5.2", "O|1|1111111", "R|1|^^^^|5.2", "L|1|N"))

	entries := logs.All()
	if a.Len(entries, 2) {
		a.Equal("result without active sample", entries[0].Message)
		a.Equal("skipping result record", entries[1].Message)
	}
}

func TestParseTraceDecisions(t *testing.T) {
	a := assert.New(t)

	var stages []string
	testParser(func(e TraceEvent) {
		if e.Stage != StageSampleID {
			stages = append(stages, e.Stage+":"+e.Detail)
		}
	}).Parse(wellFormed)

	a.Equal([]string{
		"decode:utf-8",
		"normalize:raw",
		"framer:standard",
		"sample:emitted",
	}, stages)
}
