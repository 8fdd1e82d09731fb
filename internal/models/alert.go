package models

import (
	"strings"
	"time"
)

// AllSymbols is the symbol filter value that matches every subject.
const AllSymbols = "all"

// AlertRule is an operator-defined condition evaluated on every alert cycle.
type AlertRule struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Condition string    `json:"condition"`
	Symbol    string    `json:"symbol,omitempty"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`

	TriggerCount  int       `json:"trigger_count"`
	LastTriggered time.Time `json:"last_triggered,omitempty"`
}

// Matches reports whether the rule's symbol filter admits subject.
func (r *AlertRule) Matches(subject string) bool {
	if r.Symbol == "" || strings.EqualFold(r.Symbol, AllSymbols) {
		return true
	}
	return strings.EqualFold(r.Symbol, subject)
}

// AlertTrigger records a rule's false-to-true transition for one subject.
type AlertTrigger struct {
	RuleID    string             `json:"rule_id"`
	RuleName  string             `json:"rule_name"`
	Symbol    string             `json:"symbol"`
	Timestamp time.Time          `json:"timestamp"`
	Message   string             `json:"message"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
}
