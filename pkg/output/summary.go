package output

import (
	"encoding/json"
	"sort"
	"time"
)

// SummaryRecord is the data payload for a run summary.
type SummaryRecord struct {
	Changes    int `json:"changes"`
	Classified int `json:"classified"`
	Errored    int `json:"errored"`

	Fail2Pass   int `json:"fail2pass"`
	Ignore2Pass int `json:"ignore2pass"`
	Pass2Pass   int `json:"pass2pass"`

	// WithFail2Pass counts classified Changes that have at least one
	// fail-to-pass test.
	WithFail2Pass int `json:"with_fail2pass"`

	// ErrorsByStage counts errored Changes per stage key.
	ErrorsByStage map[string]int `json:"errors_by_stage,omitempty"`

	Workers int    `json:"workers,omitempty"`
	Output  string `json:"output,omitempty"`

	Duration      time.Duration `json:"duration_ns"`
	DurationHuman string        `json:"duration"`
}

// Tally adds rec to the summary.
func (s *SummaryRecord) Tally(rec *ResultRecord) {
	s.Changes++
	if rec.Status() == StatusSuccess {
		s.Classified++
		s.Fail2Pass += len(rec.Fail2Pass)
		s.Ignore2Pass += len(rec.Ignore2Pass)
		s.Pass2Pass += len(rec.Pass2Pass)
		if len(rec.Fail2Pass) > 0 {
			s.WithFail2Pass++
		}
		return
	}
	s.Errored++
	if s.ErrorsByStage == nil {
		s.ErrorsByStage = make(map[string]int)
	}
	for _, stage := range sortedKeys(rec.Errors) {
		s.ErrorsByStage[stage]++
	}
}

// SetDuration records the run duration.
func (s *SummaryRecord) SetDuration(d time.Duration) {
	s.Duration = d
	s.DurationHuman = d.Round(time.Millisecond).String()
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Summarize tallies every valid record of a dataset or part file.
func Summarize(path string) (*SummaryRecord, error) {
	pc, err := ReadPart(path)
	if err != nil {
		return nil, err
	}
	sum := &SummaryRecord{Output: path}
	for _, line := range pc.Lines {
		var rec ResultRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		sum.Tally(&rec)
	}
	return sum, nil
}
