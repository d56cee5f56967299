// Package composer renders a terminal execution state into the final
// answer, walking a declarative layout of agent/summary/text/final
// sections.
package composer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/relaymesh/reactor/internal/plan"
	"github.com/relaymesh/reactor/internal/registry"
)

// SectionType is the kind of content a layout entry renders.
type SectionType string

const (
	SectionAgent   SectionType = "agent"
	SectionSummary SectionType = "summary"
	SectionText    SectionType = "text"
	SectionFinal   SectionType = "final"
)

// Section is one entry in OUTPUT_LAYOUT.
type Section struct {
	Type  SectionType
	Title string
	Agent string // for SectionAgent: empty means "all agents"
	Text  string // for SectionText
}

// DefaultLayout mirrors the implicit layout used when none is
// configured: a single summary section.
func DefaultLayout() []Section {
	return []Section{{Type: SectionSummary}}
}

// OutputSeparator joins non-empty rendered sections.
const OutputSeparator = "\n\n---\n\n"

// Solver invokes the LLM solver prompt given the reasoning overview,
// plan text and JSON-serialized results, returning the summary text.
type Solver func(ctx context.Context, reasoningOverview, planText string, resultsJSON []byte) (string, error)

// Source is the read surface the composer needs from an execution.
type Source interface {
	ResultIDs() []string
	Result(id string) (plan.StepResult, bool)
	Meta(id string) (plan.Meta, bool)
}

// Params bundles everything Compose needs beyond the layout itself.
type Params struct {
	Layout            []Section
	State             Source
	ReasoningOverview string
	PlanText          string
	FinalResult       interface{}
	Streaming         bool
	Solve             Solver
}

// Compose renders params.Layout against the execution state. In
// non-streaming mode the returned slice holds at most one piece, the
// joined text; in streaming mode it holds several pieces (strings and
// raw stream events).
func Compose(ctx context.Context, p Params) ([]interface{}, error) {
	layout := p.Layout
	if len(layout) == 0 {
		layout = DefaultLayout()
	}

	var pieces []interface{}
	var textBuf strings.Builder
	var summaryCache *string

	flushText := func() {
		if textBuf.Len() > 0 {
			pieces = append(pieces, textBuf.String())
			textBuf.Reset()
		}
	}

	appendTextSection := func(title, body string) {
		if body == "" {
			return
		}
		if textBuf.Len() > 0 {
			textBuf.WriteString(OutputSeparator)
		}
		if title != "" {
			textBuf.WriteString(title)
			textBuf.WriteString("\n")
		}
		textBuf.WriteString(body)
	}

	for _, section := range layout {
		switch section.Type {
		case SectionAgent:
			body, events, err := renderAgentSection(p.State, section.Agent, p.Streaming)
			if err != nil {
				return nil, err
			}
			if p.Streaming && len(events) > 0 {
				flushText()
				for _, e := range events {
					pieces = append(pieces, e)
				}
				continue
			}
			appendTextSection(section.Title, body)

		case SectionSummary:
			if summaryCache == nil {
				body, err := renderSummary(ctx, p)
				if err != nil {
					return nil, err
				}
				summaryCache = &body
			}
			appendTextSection(section.Title, *summaryCache)

		case SectionText:
			appendTextSection(section.Title, section.Text)

		case SectionFinal:
			appendTextSection(section.Title, renderFinal(p.FinalResult))
		}
	}

	flushText()
	return pieces, nil
}

// ComposeText is a convenience wrapper for non-streaming callers: it
// joins every piece into one string (raw stream events, which cannot
// occur outside streaming mode, are rendered as their JSON encoding).
func ComposeText(ctx context.Context, p Params) (string, error) {
	p.Streaming = false
	pieces, err := Compose(ctx, p)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for i, piece := range pieces {
		if i > 0 {
			b.WriteString(OutputSeparator)
		}
		switch v := piece.(type) {
		case string:
			b.WriteString(v)
		default:
			enc, _ := json.Marshal(v)
			b.Write(enc)
		}
	}
	return b.String(), nil
}

func renderSummary(ctx context.Context, p Params) (string, error) {
	if p.Solve == nil {
		return "", nil
	}
	resultsJSON, err := marshalResults(p.State)
	if err != nil {
		return "", err
	}
	return p.Solve(ctx, p.ReasoningOverview, p.PlanText, resultsJSON)
}

func marshalResults(src Source) ([]byte, error) {
	out := make(map[string]interface{})
	for _, id := range src.ResultIDs() {
		if r, ok := src.Result(id); ok {
			out[id] = r
		}
	}
	return json.Marshal(out)
}

func renderFinal(finalResult interface{}) string {
	if finalResult == nil {
		return ""
	}
	if s, ok := finalResult.(string); ok {
		return s
	}
	b, err := json.Marshal(finalResult)
	if err != nil {
		return fmt.Sprintf("%v", finalResult)
	}
	return string(b)
}

// renderAgentSection collects every result produced by agent (or every
// CallAgent-tagged result if agent == ""), handling both single-route
// (SerialCallAgent) and list (ParallelCallAgent) outputs.
func renderAgentSection(src Source, agent string, streaming bool) (text string, events []registry.Event, err error) {
	var texts []string

	for _, id := range src.ResultIDs() {
		result, ok := src.Result(id)
		if !ok {
			continue
		}
		meta, _ := src.Meta(id)

		switch result.Tag {
		case plan.TagSerialCallAgent:
			if agent != "" && meta.Agent != agent {
				continue
			}
			body, evs := renderPayload(result.Output, streaming)
			if streaming && evs != nil {
				events = append(events, evs...)
				continue
			}
			texts = append(texts, body)

		case plan.TagParallelCallAgent:
			items, ok := result.Output.([]interface{})
			if !ok {
				continue
			}
			for i, item := range items {
				itemMeta := plan.Meta{}
				if i < len(meta.Items) {
					itemMeta = meta.Items[i]
				}
				if agent != "" && itemMeta.Agent != agent {
					continue
				}
				m, _ := item.(map[string]interface{})
				body, evs := renderPayload(m["output"], streaming)
				if streaming && evs != nil {
					events = append(events, evs...)
					continue
				}
				texts = append(texts, body)
			}
		}
	}

	return strings.Join(texts, "\n"), events, nil
}

// renderPayload extracts plain text from a resolved agent payload: if it
// carries the streaming sentinel key its raw events are returned
// (streaming mode) or aggregated into text (non-streaming); otherwise a
// string "text" field is returned as is, and any other payload is
// JSON-encoded.
func renderPayload(payload interface{}, streaming bool) (string, []registry.Event) {
	m, ok := payload.(map[string]interface{})
	if !ok {
		return stringify(payload), nil
	}
	if raw, ok := m[plan.StreamRawEventsKey]; ok {
		events, _ := raw.([]registry.Event)
		if streaming {
			return "", events
		}
		return aggregateEvents(events), nil
	}
	if text, ok := m["text"].(string); ok {
		return text, nil
	}
	return stringify(m), nil
}

func aggregateEvents(events []registry.Event) string {
	var b strings.Builder
	for _, e := range events {
		if e["type"] == "graph_trace" {
			continue
		}
		if text, ok := e["text"].(string); ok {
			b.WriteString(text)
		}
	}
	return b.String()
}

func stringify(v interface{}) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
