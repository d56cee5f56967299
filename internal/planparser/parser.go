// Package planparser turns planner text into an ordered list of raw
// steps plus the reasoning span that preceded them.
package planparser

import (
	"regexp"
	"strings"

	"github.com/relaymesh/reactor/core"
	"github.com/relaymesh/reactor/internal/plan"
)

// planLineRe matches one "Plan: <desc> | #E<n> = <Tag>[<payload>]" line.
// Delimiters accept both ASCII and the fullwidth punctuation the planner
// LLM sometimes emits ("｜", "＝").
var planLineRe = regexp.MustCompile(`(?m)^Plan\s*[:：]\s*(.+?)\s*[|｜]\s*(#E\d+)\s*[=＝]\s*([A-Za-z_]\w*)\s*\[(.*)\]\s*$`)

// reasoningRe extracts the span between the "思考过程：" header and the
// first "Plan:" line.
var reasoningRe = regexp.MustCompile(`(?s)思考过程：(.+?)(?:Plan:|$)`)

// RawStep is one parsed plan line before dependency extraction.
type RawStep struct {
	Desc string
	ID   string
	Tag  plan.StepTag
	Raw  string
}

// Parse splits text into a reasoning string and an ordered list of
// RawSteps. The parser is pure: no I/O, no side effects. Whitespace
// around delimiters is insignificant. Duplicate step ids fail the parse.
func Parse(text string) (reasoning string, steps []RawStep, err error) {
	if m := reasoningRe.FindStringSubmatch(text); len(m) == 2 {
		reasoning = strings.TrimSpace(m[1])
	}

	matches := planLineRe.FindAllStringSubmatch(text, -1)
	seen := make(map[string]struct{}, len(matches))
	steps = make([]RawStep, 0, len(matches))

	for _, m := range matches {
		id := strings.TrimPrefix(m[2], "#")
		if _, dup := seen[id]; dup {
			return "", nil, core.NewFrameworkError("planparser.Parse", "parser", core.ErrDuplicateStepID).WithID(id)
		}
		seen[id] = struct{}{}

		steps = append(steps, RawStep{
			Desc: strings.TrimSpace(m[1]),
			ID:   id,
			Tag:  plan.StepTag(m[3]),
			Raw:  strings.TrimSpace(m[4]),
		})
	}

	return reasoning, steps, nil
}
