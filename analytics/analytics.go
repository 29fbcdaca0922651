// Package analytics aggregates performance metrics per chain and across
// the whole system, detects failure patterns and ranks top performing
// chains. All reads go through the persistence layer; a query against a
// chain with zero recorded executions returns a well-defined empty
// aggregate, never an error.
package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hupe1980/promptchain/core"
	"github.com/hupe1980/promptchain/logging"
)

// ChainRanking summarizes one chain inside a top-performing list. Chains
// rank by AvgConfidence descending with TotalExecutionTime ascending as the
// tiebreak.
type ChainRanking struct {
	ChainID            string        `json:"chain_id"`
	Executions         int           `json:"executions"`
	AvgConfidence      float64       `json:"avg_confidence"`
	TotalExecutionTime time.Duration `json:"total_execution_time"`
}

// FailurePattern groups failed executions by the fallback-triggering step's
// agent type and error category.
type FailurePattern struct {
	AgentType core.AgentRole `json:"agent_type"`
	Category  string         `json:"category"`
	Count     int            `json:"count"`
}

// ExecutionSummary is a per-execution detail row included on request.
type ExecutionSummary struct {
	ExecutionID   string               `json:"execution_id"`
	ChainID       string               `json:"chain_id"`
	Status        core.ExecutionStatus `json:"status"`
	StartTime     time.Time            `json:"start_time"`
	AvgConfidence float64              `json:"avg_confidence"`
	Error         string               `json:"error,omitempty"`
}

// Aggregate is the answer to an analytics query over a time window.
type Aggregate struct {
	ChainID          string             `json:"chain_id,omitempty"`
	WindowDays       int                `json:"window_days"`
	TotalExecutions  int                `json:"total_executions"`
	Completed        int                `json:"completed"`
	Failed           int                `json:"failed"`
	TimedOut         int                `json:"timed_out"`
	SuccessRate      float64            `json:"success_rate"`
	AvgConfidence    float64            `json:"avg_confidence"`
	AvgExecutionTime time.Duration      `json:"avg_execution_time"`
	TopChains        []ChainRanking     `json:"top_chains,omitempty"`
	FailurePatterns  []FailurePattern   `json:"failure_patterns,omitempty"`
	Details          []ExecutionSummary `json:"details,omitempty"`
}

// Options configures a Store instance.
type Options struct {
	// Logger defaults to NoOpLogger if nil.
	Logger logging.Logger
}

// Store answers historical analytics queries by reading chain results from
// the persistence layer.
type Store struct {
	store  core.Store
	logger logging.Logger
}

// New creates an analytics Store backed by the given persistence layer.
func New(store core.Store, optFns ...func(o *Options)) *Store {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Store{store: store, logger: opts.Logger}
}

// RecordExecution durably records a terminal chain result so it becomes
// visible to subsequent analytics queries. The engine persists results it
// produces itself; this entry point serves externally produced results and
// replays.
func (s *Store) RecordExecution(ctx context.Context, result *core.ChainResult) error {
	if result == nil || result.ExecutionID == "" {
		return fmt.Errorf("%w: result has no execution id", core.ErrPersistence)
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("%w: encode result %s: %v", core.ErrPersistence, result.ExecutionID, err)
	}
	return s.store.Put(ctx, core.Record{
		Kind:      core.KindResult,
		ID:        result.ExecutionID,
		ChainID:   result.ChainID,
		Status:    result.Status,
		CreatedAt: result.StartTime,
		Data:      data,
	})
}

// QueryOptions tunes an analytics read.
type QueryOptions struct {
	// IncludeDetails adds per-execution summary rows to the aggregate.
	IncludeDetails bool
}

// WithDetails requests per-execution detail rows.
func WithDetails() func(o *QueryOptions) {
	return func(o *QueryOptions) { o.IncludeDetails = true }
}

// ChainAnalytics aggregates the executions of one chain over the window.
func (s *Store) ChainAnalytics(ctx context.Context, chainID string, windowDays int, optFns ...func(o *QueryOptions)) (*Aggregate, error) {
	return s.aggregate(ctx, chainID, windowDays, optFns...)
}

// SystemAnalytics aggregates every execution in the window across all
// chains, including the top-performing ranking.
func (s *Store) SystemAnalytics(ctx context.Context, windowDays int, optFns ...func(o *QueryOptions)) (*Aggregate, error) {
	return s.aggregate(ctx, "", windowDays, optFns...)
}

func (s *Store) aggregate(ctx context.Context, chainID string, windowDays int, optFns ...func(o *QueryOptions)) (*Aggregate, error) {
	var opts QueryOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if windowDays <= 0 {
		windowDays = 7
	}

	filter := core.Filter{
		ChainID: chainID,
		Since:   time.Now().UTC().AddDate(0, 0, -windowDays),
	}
	recs, err := s.store.Query(ctx, core.KindResult, filter)
	if err != nil {
		return nil, err
	}

	agg := &Aggregate{ChainID: chainID, WindowDays: windowDays}
	if len(recs) == 0 {
		return agg, nil
	}

	var confidenceSum float64
	var durationSum time.Duration
	byChain := map[string][]*core.ChainResult{}

	for _, rec := range recs {
		var result core.ChainResult
		if err := json.Unmarshal(rec.Data, &result); err != nil {
			return nil, fmt.Errorf("%w: decode result %s: %v", core.ErrPersistence, rec.ID, err)
		}

		agg.TotalExecutions++
		switch result.Status {
		case core.StatusCompleted:
			agg.Completed++
		case core.StatusFailed:
			agg.Failed++
		case core.StatusTimeout:
			agg.TimedOut++
		}
		confidenceSum += result.Metrics.AvgConfidence
		durationSum += result.Metrics.TotalExecutionTime
		byChain[result.ChainID] = append(byChain[result.ChainID], &result)

		if opts.IncludeDetails {
			agg.Details = append(agg.Details, ExecutionSummary{
				ExecutionID:   result.ExecutionID,
				ChainID:       result.ChainID,
				Status:        result.Status,
				StartTime:     result.StartTime,
				AvgConfidence: result.Metrics.AvgConfidence,
				Error:         result.Error,
			})
		}
	}

	terminal := agg.Completed + agg.Failed + agg.TimedOut
	if terminal > 0 {
		agg.SuccessRate = float64(agg.Completed) / float64(terminal)
	}
	agg.AvgConfidence = confidenceSum / float64(agg.TotalExecutions)
	agg.AvgExecutionTime = durationSum / time.Duration(agg.TotalExecutions)
	agg.TopChains = s.rankChains(byChain)
	agg.FailurePatterns = s.failurePatterns(ctx, byChain)

	return agg, nil
}

// rankChains produces the top-performing ranking: AvgConfidence descending,
// TotalExecutionTime ascending as tiebreak.
func (s *Store) rankChains(byChain map[string][]*core.ChainResult) []ChainRanking {
	rankings := make([]ChainRanking, 0, len(byChain))
	for chainID, results := range byChain {
		var confidenceSum float64
		var durationSum time.Duration
		for _, r := range results {
			confidenceSum += r.Metrics.AvgConfidence
			durationSum += r.Metrics.TotalExecutionTime
		}
		rankings = append(rankings, ChainRanking{
			ChainID:            chainID,
			Executions:         len(results),
			AvgConfidence:      confidenceSum / float64(len(results)),
			TotalExecutionTime: durationSum,
		})
	}
	sort.Slice(rankings, func(i, j int) bool {
		if rankings[i].AvgConfidence != rankings[j].AvgConfidence {
			return rankings[i].AvgConfidence > rankings[j].AvgConfidence
		}
		return rankings[i].TotalExecutionTime < rankings[j].TotalExecutionTime
	})
	return rankings
}

// failurePatterns groups failed and timed out executions by the agent type
// of the fallback-triggering step and the error category. The failing step
// is the first step without an accepted result.
func (s *Store) failurePatterns(ctx context.Context, byChain map[string][]*core.ChainResult) []FailurePattern {
	type key struct {
		agentType core.AgentRole
		category  string
	}
	counts := map[key]int{}

	for chainID, results := range byChain {
		var def *core.ChainDefinition
		for _, result := range results {
			if result.Status != core.StatusFailed && result.Status != core.StatusTimeout {
				continue
			}
			if def == nil {
				def = s.loadChain(ctx, chainID)
			}
			agentType := core.AgentRole("unknown")
			if def != nil {
				if step := def.Step(len(result.Results)); step != nil {
					agentType = step.AgentType
				}
			}
			counts[key{agentType: agentType, category: categorize(result)}]++
		}
	}

	patterns := make([]FailurePattern, 0, len(counts))
	for k, count := range counts {
		patterns = append(patterns, FailurePattern{AgentType: k.agentType, Category: k.category, Count: count})
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Count != patterns[j].Count {
			return patterns[i].Count > patterns[j].Count
		}
		if patterns[i].AgentType != patterns[j].AgentType {
			return patterns[i].AgentType < patterns[j].AgentType
		}
		return patterns[i].Category < patterns[j].Category
	})
	return patterns
}

func (s *Store) loadChain(ctx context.Context, chainID string) *core.ChainDefinition {
	rec, err := s.store.Get(ctx, core.KindChain, chainID)
	if err != nil {
		if !errors.Is(err, core.ErrNotFound) {
			s.logger.Warn("load chain for failure patterns", "chain_id", chainID, "error", err.Error())
		}
		return nil
	}
	var def core.ChainDefinition
	if err := json.Unmarshal(rec.Data, &def); err != nil {
		s.logger.Warn("decode chain for failure patterns", "chain_id", chainID, "error", err.Error())
		return nil
	}
	return &def
}

// categorize maps a terminal result to a coarse error category used for
// failure-pattern grouping.
func categorize(result *core.ChainResult) string {
	if result.Status == core.StatusTimeout {
		return "timeout"
	}
	switch {
	case strings.Contains(result.Error, "context"):
		return "context"
	case strings.Contains(result.Error, "render prompt"):
		return "prompt"
	case result.Error != "":
		return "capability"
	default:
		return "internal"
	}
}
