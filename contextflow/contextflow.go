// Package contextflow shapes the data passed from one chain step to the
// next. The adapter applies, in order, only the stages enabled by the
// chain's ContextFlowConfig:
//
//  1. Relevance filtering: context fields whose computed relevance to the
//     step's declared requirements falls below the threshold are dropped.
//  2. Compression: if the remaining size exceeds the budget, the lowest
//     relevance fields are dropped first, then oversized values are
//     truncated, until the output fits.
//
// The adapter never raises the output size above the input size and never
// silently drops a field named in the step's context requirements: any
// forced degradation is recorded as a note consumed by analytics to explain
// confidence drops.
package contextflow

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/hupe1980/promptchain/core"
)

// Result carries the adapted context together with the telemetry the engine
// folds into step results and optimization accounting.
type Result struct {
	// Context is the adapted field set handed to the step.
	Context map[string]any
	// Size is the encoded byte size of the adapted context.
	Size int
	// SizeBefore is the encoded byte size of the input context.
	SizeBefore int
	// Relevance maps every retained field to its computed relevance score.
	Relevance map[string]float64
	// Dropped lists fields removed by filtering or compression.
	Dropped []string
	// Notes records degradations affecting required fields.
	Notes []string
}

// Adapter computes per-step effective contexts. It is stateless and safe
// for concurrent use.
type Adapter struct{}

// NewAdapter constructs an Adapter.
func NewAdapter() *Adapter { return &Adapter{} }

// Adapt shapes the context for one step according to the policy. Identical
// inputs always yield identical results.
func (a *Adapter) Adapt(contextMap map[string]any, step *core.ChainStep, policy core.ContextFlowConfig) (*Result, error) {
	if step == nil {
		return nil, fmt.Errorf("contextflow: step is nil")
	}

	res := &Result{
		Context:    make(map[string]any, len(contextMap)),
		Relevance:  make(map[string]float64, len(contextMap)),
		SizeBefore: encodedSize(contextMap),
	}

	required := make(map[string]bool, len(step.ContextRequirements))
	for _, name := range step.ContextRequirements {
		required[name] = true
	}

	// Stage 1: relevance filtering.
	for name, value := range contextMap {
		score := a.relevance(name, value, step, required)
		if policy.SemanticFilteringEnabled && score < policy.RelevanceThreshold && !required[name] {
			res.Dropped = append(res.Dropped, name)
			continue
		}
		res.Context[name] = value
		res.Relevance[name] = score
	}

	// Stage 2: compression down to budget.
	if policy.CompressionEnabled && policy.MaxContextSize > 0 {
		a.compress(res, required, policy.MaxContextSize)
	}

	for _, name := range step.ContextRequirements {
		if _, ok := res.Context[name]; !ok {
			if _, present := contextMap[name]; !present {
				res.Notes = append(res.Notes, fmt.Sprintf("required context field %q not supplied", name))
			}
		}
	}

	sort.Strings(res.Dropped)
	res.Size = encodedSize(res.Context)
	return res, nil
}

// relevance scores a field against the step's requirements using name
// matching and token overlap with the step's prompt template and name.
// Required fields always score 1.0 so the threshold cannot filter them.
func (a *Adapter) relevance(name string, value any, step *core.ChainStep, required map[string]bool) float64 {
	if required[name] {
		return 1.0
	}

	fieldTokens := tokenize(name + " " + stringify(value))
	if len(fieldTokens) == 0 {
		return 0
	}

	stepTokens := make(map[string]bool)
	for _, tok := range tokenize(step.Name + " " + step.PromptTemplate + " " + strings.Join(step.ContextRequirements, " ")) {
		stepTokens[tok] = true
	}

	matched := 0
	for _, tok := range fieldTokens {
		if stepTokens[tok] {
			matched++
		}
	}
	return float64(matched) / float64(len(fieldTokens))
}

// compress reduces the context below the budget: lowest-relevance optional
// fields drop first, then string values are truncated, required fields drop
// only as a last resort and always leave a degradation note.
func (a *Adapter) compress(res *Result, required map[string]bool, budget int) {
	if encodedSize(res.Context) <= budget {
		return
	}

	// Drop optional fields, least relevant first. Ties break by name so the
	// result is deterministic.
	for _, name := range orderedByRelevance(res, required, false) {
		if encodedSize(res.Context) <= budget {
			return
		}
		delete(res.Context, name)
		delete(res.Relevance, name)
		res.Dropped = append(res.Dropped, name)
	}

	// Truncate long string values (required fields included) keeping the
	// head of each value.
	for _, name := range orderedByRelevance(res, nil, true) {
		if encodedSize(res.Context) <= budget {
			return
		}
		s, ok := res.Context[name].(string)
		if !ok || len(s) <= 67 {
			continue
		}
		over := encodedSize(res.Context) - budget
		keep := len(s) - over
		if keep < 64 {
			keep = 64
		}
		// The ellipsis counts against the value: truncation must never
		// produce a longer string than it started from.
		if keep > len(s)-3 {
			keep = len(s) - 3
		}
		res.Context[name] = s[:keep] + "..."
		if required[name] {
			res.Notes = append(res.Notes, fmt.Sprintf("required context field %q truncated to fit budget", name))
		}
	}

	// Last resort: drop required fields, recording the degradation.
	for _, name := range orderedByRelevance(res, nil, true) {
		if encodedSize(res.Context) <= budget {
			return
		}
		delete(res.Context, name)
		delete(res.Relevance, name)
		res.Dropped = append(res.Dropped, name)
		if required[name] {
			res.Notes = append(res.Notes, fmt.Sprintf("required context field %q dropped to fit budget", name))
		}
	}
}

// orderedByRelevance returns field names sorted by ascending relevance then
// name. With includeRequired false, required fields are excluded.
func orderedByRelevance(res *Result, required map[string]bool, includeRequired bool) []string {
	names := make([]string, 0, len(res.Context))
	for name := range res.Context {
		if !includeRequired && required[name] {
			continue
		}
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ri, rj := res.Relevance[names[i]], res.Relevance[names[j]]
		if ri != rj {
			return ri < rj
		}
		return names[i] < names[j]
	})
	return names
}

// encodedSize measures a context map as the byte length of its JSON
// encoding, the same representation handed to capabilities.
func encodedSize(contextMap map[string]any) int {
	if len(contextMap) == 0 {
		return 0
	}
	data, err := json.Marshal(contextMap)
	if err != nil {
		// Unencodable values still occupy space; fall back to a field count
		// based estimate.
		return len(contextMap) * 16
	}
	return len(data)
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= 3 {
			out = append(out, f)
		}
	}
	return out
}
