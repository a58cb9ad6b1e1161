// Package scriptcheck scans submitted script versions for known abuse and
// returns a verdict the publication workflow acts on.
package scriptcheck

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"gorm.io/gorm"

	"scriptorium/models"
)

type Verdict int

// Ordered by severity.
const (
	Allow Verdict = iota
	Review
	Block
	Ban
)

func (v Verdict) String() string {
	switch v {
	case Review:
		return models.CheckResultReview
	case Block:
		return models.CheckResultBlock
	case Ban:
		return models.CheckResultBan
	default:
		return "allow"
	}
}

// ParseVerdict maps a stored check result onto a verdict.
func ParseVerdict(s string) (Verdict, error) {
	switch s {
	case "allow":
		return Allow, nil
	case models.CheckResultReview:
		return Review, nil
	case models.CheckResultBlock:
		return Block, nil
	case models.CheckResultBan:
		return Ban, nil
	}
	return Allow, fmt.Errorf("unknown check result %q", s)
}

type Finding struct {
	Rule          string  `json:"rule"`
	Verdict       Verdict `json:"verdict"`
	PublicReason  string  `json:"public_reason"`
	PrivateReason string  `json:"private_reason,omitempty"`
}

// Checker inspects a version about to be added to script.
type Checker interface {
	Check(ctx context.Context, script *models.Script, version *models.ScriptVersion) ([]Finding, Verdict, error)
}

// Rule is one check. It returns nothing when the version is fine.
type Rule func(ctx context.Context, c *RuleContext) ([]Finding, error)

type RuleContext struct {
	DB      *gorm.DB
	Script  *models.Script
	Version *models.ScriptVersion
	Logger  *slog.Logger
}

// Engine runs every rule and combines their findings.
type Engine struct {
	db     *gorm.DB
	rules  []Rule
	logger *slog.Logger
}

func NewEngine(db *gorm.DB, rules ...Rule) *Engine {
	return &Engine{
		db:     db,
		rules:  rules,
		logger: slog.Default().With("component", "scriptcheck"),
	}
}

// Check runs the rules and returns findings sorted most severe first, so
// the first finding explains the verdict.
func (e *Engine) Check(ctx context.Context, script *models.Script, version *models.ScriptVersion) ([]Finding, Verdict, error) {
	rc := &RuleContext{
		DB:      e.db.WithContext(ctx),
		Script:  script,
		Version: version,
		Logger:  e.logger.With("script", script.ID),
	}

	var findings []Finding
	for _, rule := range e.rules {
		found, err := rule(ctx, rc)
		if err != nil {
			checkErrorCount.Inc()
			return nil, Allow, err
		}
		for _, f := range found {
			ruleHitCount.WithLabelValues(f.Rule, f.Verdict.String()).Inc()
		}
		findings = append(findings, found...)
	}

	sort.SliceStable(findings, func(i, j int) bool {
		return findings[i].Verdict > findings[j].Verdict
	})

	verdict := Allow
	if len(findings) > 0 {
		verdict = findings[0].Verdict
	}
	verdictCount.WithLabelValues(verdict.String()).Inc()

	if verdict != Allow {
		rc.Logger.Info("script check flagged version", "verdict", verdict.String(), "rule", findings[0].Rule)
	}

	return findings, verdict, nil
}
