package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseMetrics(t *testing.T) {
	cases := []struct {
		name   string
		output string
		want   map[string]float64
	}{
		{
			name:   "iterations",
			output: "...iterations......... 42...",
			want:   map[string]float64{"iterations": 42},
		},
		{
			name:   "p95",
			output: "http_req_duration..............: avg=100ms min=10ms p(90)=110ms p(95)=123.4ms",
			want:   map[string]float64{"http_req_duration_p95": 123.4},
		},
		{
			name:   "failure rate",
			output: "http_req_failed................: 2.5% ✓ 5 ✗ 195",
			want:   map[string]float64{"http_req_failed_rate": 2.5},
		},
		{
			name:   "nothing",
			output: "hello world",
			want:   map[string]float64{},
		},
		{
			name:   "empty",
			output: "",
			want:   map[string]float64{},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseMetrics(tc.output))
		})
	}
}

func TestClassifierStdout(t *testing.T) {
	k6 := DefaultClassifiers()["k6"]

	verdict, raw := k6.Stdout(`  {"result": {"passed": true}}` + "\n")
	assert.Equal(t, VerdictStructured, verdict)
	assert.JSONEq(t, `{"result": {"passed": true}}`, string(raw))

	verdict, _ = k6.Stdout("running (0m05.0s), 10/10 VUs")
	assert.Equal(t, VerdictRunning, verdict)

	verdict, _ = k6.Stdout("     █ TOTAL RESULTS\n")
	assert.Equal(t, VerdictMarker, verdict)

	// a partial JSON document quoting a marker keeps waiting
	verdict, _ = k6.Stdout(`{"output": "iterations: 42`)
	assert.Equal(t, VerdictRunning, verdict)

	verdict, _ = k6.Stdout("")
	assert.Equal(t, VerdictRunning, verdict)
}

func TestClassifierJSONLogLineDoesNotHideMarker(t *testing.T) {
	k6 := DefaultClassifiers()["k6"]

	verdict, _ := k6.Stdout(`{"level":"info","msg":"init"}` + "\n     █ TOTAL RESULTS\n")
	assert.Equal(t, VerdictMarker, verdict)

	verdict, _ = k6.Stdout("{not json} iterations: 42\n     █ TOTAL RESULTS\n")
	assert.Equal(t, VerdictMarker, verdict)

	verdict, _ = k6.Stdout(`{"level":"info","msg":"init"}` + "\nrunning (0m01.0s)\n")
	assert.Equal(t, VerdictRunning, verdict)

	// still a JSON prefix, so the quoted marker is not trusted yet
	verdict, _ = k6.Stdout(`{"summary": "█ TOTAL RESULTS`)
	assert.Equal(t, VerdictRunning, verdict)
}

func TestClassifierWithoutMarkersIgnoresFreeText(t *testing.T) {
	lighthouse := DefaultClassifiers()["lighthouse"]
	verdict, _ := lighthouse.Stdout("iterations 42 execution: local")
	assert.Equal(t, VerdictRunning, verdict)
	assert.Equal(t, "structured", VerdictStructured.String())
}

func TestClassifierStderr(t *testing.T) {
	c := GenericClassifier()

	_, ok := c.Stderr("warning: slow\n")
	assert.False(t, ok)

	excerpt, ok := c.Stderr("starting\ntime=1 level=error msg=\"thresholds crossed\"\n")
	assert.True(t, ok)
	assert.Equal(t, `time=1 level=error msg="thresholds crossed"`, excerpt)

	excerpt, ok = c.Stderr("Error: cannot open script\n")
	assert.True(t, ok)
	assert.Equal(t, "Error: cannot open script", excerpt)
}

func TestClassifyLoadOutput(t *testing.T) {
	assert.Equal(t, LoadOK, ClassifyLoadOutput("checks.........: 100.00%"))
	assert.Equal(t, LoadNetworkError, ClassifyLoadOutput("Request Failed error=\"dial tcp\" level=error"))
	assert.Equal(t, LoadThresholdsExceeded, ClassifyLoadOutput("some thresholds on metrics 'http_req_duration' have been crossed"))
	assert.Equal(t, "k6 test failed: Network connection error", LoadNetworkError.Message())
	assert.Empty(t, LoadOK.Message())
}

func TestDetectNavigationTimeout(t *testing.T) {
	assert.True(t, DetectNavigationTimeout("page.goto: Timeout 30000ms exceeded.", ""))
	assert.True(t, DetectNavigationTimeout("net::ERR_CONNECTION_REFUSED", ""))
	assert.True(t, DetectNavigationTimeout("", "step 3: timeout 5000ms exceeded"))
	assert.False(t, DetectNavigationTimeout("assertion failed", "ECONNREFUSED"))
	assert.False(t, DetectNavigationTimeout("expected title", "all steps passed"))
}
