package handoff

import (
	"fmt"
	"strings"
)

// Rule names.
const (
	RuleOneDevPerStory    = "one-dev-per-story"
	RuleQAIndependence    = "qa-independence"
	RuleDevOpsRequiresQA  = "devops-requires-qa-pass"
	RuleMaxParallelAgents = "max-parallel-agents"
	RuleNoDuplicatePhases = "no-duplicate-phases"
	RuleIterationLimit    = "iteration-limit"
)

// Violation severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Defaults.
const (
	DefaultMaxParallelAgents = 5
	DefaultMaxQAIterations   = 3
)

// Violation is one failed (or warned) coordination predicate.
type Violation struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// Evaluation is the rules engine verdict. Allowed means no violation with
// severity=error.
type Evaluation struct {
	Allowed    bool
	Violations []Violation
}

// RuleInput is the snapshot a routing decision is evaluated against.
type RuleInput struct {
	WorkspaceID    string
	StoryID        string
	ToAgentType    string
	ToAgentID      string
	DevAgentID     string // the dev agent that produced the work under review
	Context        map[string]any
	IterationCount int
	Active         []ActiveAgent
}

// Rules evaluates the six coordination predicates independently.
type Rules struct {
	MaxParallelAgents int
	MaxQAIterations   int
}

// NewRules builds a rules engine with defaults applied.
func NewRules(maxParallel, maxQAIterations int) *Rules {
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallelAgents
	}
	if maxQAIterations <= 0 {
		maxQAIterations = DefaultMaxQAIterations
	}
	return &Rules{MaxParallelAgents: maxParallel, MaxQAIterations: maxQAIterations}
}

// Evaluate runs every predicate and aggregates violations.
func (r *Rules) Evaluate(in RuleInput) Evaluation {
	var violations []Violation
	add := func(rule, severity, format string, args ...any) {
		violations = append(violations, Violation{
			Rule:     rule,
			Severity: severity,
			Message:  fmt.Sprintf(format, args...),
		})
	}

	// one-dev-per-story: no second dev agent on the same story.
	if in.ToAgentType == AgentDev {
		for _, a := range in.Active {
			if a.Type == AgentDev && a.StoryID == in.StoryID && a.ID != in.ToAgentID {
				add(RuleOneDevPerStory, SeverityError,
					"story %s already has active dev agent %s", in.StoryID, a.ID)
				break
			}
		}
	}

	// qa-independence: the QA agent must not be the dev that wrote it.
	if in.ToAgentType == AgentQA && in.ToAgentID != "" && in.ToAgentID == in.DevAgentID {
		add(RuleQAIndependence, SeverityError,
			"qa agent %s reviewed its own implementation of story %s", in.ToAgentID, in.StoryID)
	}

	// devops-requires-qa-pass.
	if in.ToAgentType == AgentDevOps {
		verdict, _ := in.Context["qaVerdict"].(string)
		if !strings.EqualFold(verdict, "PASS") {
			add(RuleDevOpsRequiresQA, SeverityError,
				"story %s routed to devops with qa verdict %q", in.StoryID, verdict)
		}
	}

	// max-parallel-agents: the only violation that queues.
	if len(in.Active) >= r.MaxParallelAgents {
		add(RuleMaxParallelAgents, SeverityError,
			"workspace %s has %d active agents (max %d)", in.WorkspaceID, len(in.Active), r.MaxParallelAgents)
	}

	// no-duplicate-phases: one active phase per story.
	phases := map[string]string{}
	for _, a := range in.Active {
		if a.StoryID == "" {
			continue
		}
		if prev, ok := phases[a.StoryID]; ok && prev != a.Phase {
			add(RuleNoDuplicatePhases, SeverityError,
				"story %s is active in phases %s and %s", a.StoryID, prev, a.Phase)
		}
		phases[a.StoryID] = a.Phase
	}

	// iteration-limit, with a soft warning one short of the bound.
	if in.IterationCount > r.MaxQAIterations {
		add(RuleIterationLimit, SeverityError,
			"story %s exceeded %d qa iterations", in.StoryID, r.MaxQAIterations)
	} else if in.IterationCount == r.MaxQAIterations-1 {
		add(RuleIterationLimit, SeverityWarning,
			"story %s is one rejection away from escalation", in.StoryID)
	}

	allowed := true
	for _, v := range violations {
		if v.Severity == SeverityError {
			allowed = false
			break
		}
	}
	return Evaluation{Allowed: allowed, Violations: violations}
}

// ViolationFor returns the first violation for the named rule, if any.
func (e Evaluation) ViolationFor(rule string) *Violation {
	for i := range e.Violations {
		if e.Violations[i].Rule == rule {
			return &e.Violations[i]
		}
	}
	return nil
}

// FirstError returns the first error-severity violation, if any.
func (e Evaluation) FirstError() *Violation {
	for i := range e.Violations {
		if e.Violations[i].Severity == SeverityError {
			return &e.Violations[i]
		}
	}
	return nil
}
