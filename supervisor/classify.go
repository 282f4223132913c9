package supervisor

import (
	"encoding/json"
	"errors"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// Verdict is the classifier's judgment of accumulated stdout.
type Verdict int

const (
	VerdictRunning Verdict = iota
	// VerdictStructured means stdout holds one complete JSON document.
	VerdictStructured
	// VerdictMarker means a free-text completion marker was seen.
	VerdictMarker
)

func (v Verdict) String() string {
	switch v {
	case VerdictStructured:
		return "structured"
	case VerdictMarker:
		return "marker"
	default:
		return "running"
	}
}

// Classifier decides when a command's output is complete.
type Classifier struct {
	// Markers are substrings that signal a printed results summary. Tools
	// that only answer with JSON leave this empty.
	Markers []string
	// ErrorMarkers are stderr substrings that fail the command immediately.
	ErrorMarkers []string
}

var defaultErrorMarkers = []string{"Error:", "level=error"}

// LoadTestMarkers are printed by k6 once its end-of-test summary starts.
var LoadTestMarkers = []string{
	"█ TOTAL RESULTS",
	"http_req_duration",
	"iterations",
	"execution: local",
}

// DefaultClassifiers maps engine kinds to their classifiers.
func DefaultClassifiers() map[string]Classifier {
	return map[string]Classifier{
		"k6":         {Markers: LoadTestMarkers, ErrorMarkers: defaultErrorMarkers},
		"lighthouse": {ErrorMarkers: defaultErrorMarkers},
		"playwright": {ErrorMarkers: defaultErrorMarkers},
	}
}

// GenericClassifier is used for tools without a registered kind.
func GenericClassifier() Classifier {
	return Classifier{ErrorMarkers: defaultErrorMarkers}
}

// Stdout classifies the whole accumulated stdout buffer. JSON is tried
// first; markers are ignored only while the buffer can still grow into a
// JSON document, so a response that quotes a marker is not cut short but a
// JSON-looking log line ahead of free text does not block completion.
func (c Classifier) Stdout(buf string) (Verdict, json.RawMessage) {
	trimmed := strings.TrimSpace(buf)
	if trimmed == "" {
		return VerdictRunning, nil
	}
	if looksLikeJSONObject(trimmed) {
		if json.Valid([]byte(trimmed)) {
			return VerdictStructured, json.RawMessage(trimmed)
		}
	}
	if unterminatedJSON(trimmed) {
		return VerdictRunning, nil
	}
	for _, marker := range c.Markers {
		if strings.Contains(buf, marker) {
			return VerdictMarker, nil
		}
	}
	return VerdictRunning, nil
}

func looksLikeJSONObject(s string) bool {
	return strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")
}

// unterminatedJSON reports whether s is a valid but incomplete JSON object.
func unterminatedJSON(s string) bool {
	if !strings.HasPrefix(s, "{") {
		return false
	}
	var v any
	err := json.NewDecoder(strings.NewReader(s)).Decode(&v)
	return errors.Is(err, io.ErrUnexpectedEOF)
}

// Stderr reports whether accumulated stderr carries an error marker and
// returns the text from the start of the offending line.
func (c Classifier) Stderr(buf string) (string, bool) {
	first := -1
	for _, marker := range c.ErrorMarkers {
		if idx := strings.Index(buf, marker); idx >= 0 && (first < 0 || idx < first) {
			first = idx
		}
	}
	if first < 0 {
		return "", false
	}
	lineStart := strings.LastIndexByte(buf[:first], '\n') + 1
	return strings.TrimSpace(buf[lineStart:]), true
}

var (
	p95Pattern        = regexp.MustCompile(`http_req_duration.*?p\(95\)=(\d+\.?\d*)ms`)
	failedPattern     = regexp.MustCompile(`http_req_failed.*?(\d+\.?\d*)%`)
	iterationsPattern = regexp.MustCompile(`iterations.*?(\d+)`)
)

// ParseMetrics extracts the numeric summary values k6 prints. Missing
// patterns are simply absent from the map.
func ParseMetrics(output string) map[string]float64 {
	metrics := map[string]float64{}
	if m := p95Pattern.FindStringSubmatch(output); len(m) > 1 {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			metrics["http_req_duration_p95"] = v
		}
	}
	if m := failedPattern.FindStringSubmatch(output); len(m) > 1 {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			metrics["http_req_failed_rate"] = v
		}
	}
	if m := iterationsPattern.FindStringSubmatch(output); len(m) > 1 {
		if v, err := strconv.Atoi(m[1]); err == nil {
			metrics["iterations"] = float64(v)
		}
	}
	return metrics
}

// LoadFailure names why a load-test run failed, judged from its output.
type LoadFailure int

const (
	LoadOK LoadFailure = iota
	LoadNetworkError
	LoadThresholdsExceeded
)

// Message returns the user-facing failure text.
func (f LoadFailure) Message() string {
	switch f {
	case LoadNetworkError:
		return "k6 test failed: Network connection error"
	case LoadThresholdsExceeded:
		return "k6 test failed: Performance thresholds exceeded"
	default:
		return ""
	}
}

var (
	networkErrorMarkers = []string{
		"Error executing k6 test:",
		"Request Failed",
		"connectex: A connection attempt failed",
	}
	thresholdMarkers = []string{
		"thresholds on metrics",
		"level=error",
	}
)

// ClassifyLoadOutput inspects k6 text for network or threshold failures.
// Network errors take precedence.
func ClassifyLoadOutput(output string) LoadFailure {
	for _, m := range networkErrorMarkers {
		if strings.Contains(output, m) {
			return LoadNetworkError
		}
	}
	for _, m := range thresholdMarkers {
		if strings.Contains(output, m) {
			return LoadThresholdsExceeded
		}
	}
	return LoadOK
}

var (
	navigationErrorPattern = regexp.MustCompile(`(?i)Timeout\s*\d+ms\s*exceeded|ECONNREFUSED|net::ERR|navigation.*timeout`)
	timeoutExceededPattern = regexp.MustCompile(`(?i)Timeout\s*\d+ms\s*exceeded`)
)

// DetectNavigationTimeout reports whether a browser-automation error message
// or its logs show a navigation timeout or network failure.
func DetectNavigationTimeout(errMsg, logs string) bool {
	return navigationErrorPattern.MatchString(errMsg) || timeoutExceededPattern.MatchString(logs)
}
