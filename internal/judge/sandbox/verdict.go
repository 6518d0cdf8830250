// Package sandbox defines verdicts and the result shapes produced by
// running a solution against its test cases.
package sandbox

// Verdict is the outcome of running a solution against one test case.
type Verdict string

const (
	VerdictAC  Verdict = "AC"
	VerdictWA  Verdict = "WA"
	VerdictRE  Verdict = "RE"
	VerdictMLE Verdict = "MLE"
	VerdictTLE Verdict = "TLE"
)

// severity orders verdicts for aggregation. Higher wins.
var severity = map[Verdict]int{
	VerdictAC:  0,
	VerdictWA:  1,
	VerdictRE:  2,
	VerdictMLE: 3,
	VerdictTLE: 4,
}

// Worse returns the higher-severity verdict of the two.
func Worse(a, b Verdict) Verdict {
	if severity[b] > severity[a] {
		return b
	}
	return a
}

// TestResult is the verdict for a single test case plus its elapsed
// wall-clock time and captured output.
type TestResult struct {
	Status Verdict `json:"status"`
	Time   float64 `json:"time"`
	Output string  `json:"output"`
}

// Outcome is the aggregate of a full run. Overall is the highest-severity
// per-test verdict; MaxTime is the maximum per-test elapsed time in seconds.
type Outcome struct {
	Overall Verdict      `json:"status"`
	MaxTime float64      `json:"max_time"`
	Tests   []TestResult `json:"results"`
}
