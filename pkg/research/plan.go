package research

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Plan is the structured response of the analysis phase.
type Plan struct {
	Analysis *Analysis `json:"analysis"`
}

// Analysis is the generator's judgement on the findings so far.
type Analysis struct {
	Summary         string   `json:"summary"`
	Gaps            []string `json:"gaps"`
	NextSteps       []string `json:"nextSteps"`
	ShouldContinue  bool     `json:"shouldContinue"`
	NextSearchTopic string   `json:"nextSearchTopic,omitempty"`
	URLToSearch     string   `json:"urlToSearch,omitempty"`
}

var jsonFence = regexp.MustCompile("(?s)```json\\s*(.*?)```")

// ParsePlan decodes a generator response into a Plan. The whole body is tried
// first, then the first ```json fenced block. The second return value is
// false when neither yields a plan with an analysis object.
func ParsePlan(text string) (Plan, bool) {
	if p, ok := decodePlan(strings.TrimSpace(text)); ok {
		return p, true
	}
	m := jsonFence.FindStringSubmatch(text)
	if len(m) < 2 {
		return Plan{}, false
	}
	return decodePlan(strings.TrimSpace(m[1]))
}

func decodePlan(body string) (Plan, bool) {
	if body == "" {
		return Plan{}, false
	}
	var p Plan
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return Plan{}, false
	}
	if p.Analysis == nil {
		return Plan{}, false
	}
	return p, true
}
