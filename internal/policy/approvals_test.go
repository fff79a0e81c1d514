package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func tieredPolicy() Policy {
	p := testPolicy()
	p.Approvals = ApprovalTiers{
		Auto:         []ApprovalRule{{ID: "small", Rule: "amount < 100"}},
		ProposeOnly:  []ApprovalRule{{ID: "medium", Rule: "amount < 1000"}},
		HumanSignoff: []ApprovalRule{{ID: "bas", Rule: `action contains "lodge"`}, {Rule: "amount >= 1000"}},
	}
	return p
}

func TestCheckApprovalRequiredTierOrder(t *testing.T) {
	p := tieredPolicy()

	got := CheckApprovalRequired(p, "post_bill", map[string]any{"amount": 50})
	assert.Equal(t, ApprovalCheck{Required: false, Type: TypeNone, Reason: ReasonAutoRule, MatchedRule: "small"}, got)

	got = CheckApprovalRequired(p, "post_bill", map[string]any{"amount": 500})
	assert.True(t, got.Required)
	assert.Equal(t, TypePropose, got.Type)
	assert.Equal(t, ReasonProposeOnlyRule, got.Reason)

	got = CheckApprovalRequired(p, "post_bill", map[string]any{"amount": 5000})
	assert.True(t, got.Required)
	assert.Equal(t, TypeHumanSignoff, got.Type)
	assert.Equal(t, "amount >= 1000", got.MatchedRule)
}

func TestCheckApprovalRequiredAutoWinsOverSignoff(t *testing.T) {
	got := CheckApprovalRequired(tieredPolicy(), "lodge_bas", map[string]any{"amount": 10})
	assert.False(t, got.Required)
}

func TestCheckApprovalRequiredDefaultDeny(t *testing.T) {
	p := tieredPolicy()

	got := CheckApprovalRequired(p, "post_bill", map[string]any{"vendor": "AWS"})
	assert.Equal(t, ApprovalCheck{Required: true, Type: TypeDefault, Reason: ReasonNoMatchingRule}, got)

	got = CheckApprovalRequired(Policy{}, "anything", nil)
	assert.True(t, got.Required)
	assert.Equal(t, ReasonNoMatchingRule, got.Reason)
}

func TestCheckApprovalRequiredMalformedRuleNeverAllows(t *testing.T) {
	p := Policy{Approvals: ApprovalTiers{Auto: []ApprovalRule{{Rule: "amount ?? 1"}}}}
	got := CheckApprovalRequired(p, "post_bill", map[string]any{"amount": 0})
	assert.True(t, got.Required)
	assert.Equal(t, ReasonNoMatchingRule, got.Reason)
}

func TestCheckApprovalRequiredActionScope(t *testing.T) {
	p := Policy{Approvals: ApprovalTiers{Auto: []ApprovalRule{{Rule: "amount < 100", Actions: []string{"auto_match"}}}}}

	assert.False(t, CheckApprovalRequired(p, "auto_match", map[string]any{"amount": 1}).Required)
	assert.True(t, CheckApprovalRequired(p, "post_bill", map[string]any{"amount": 1}).Required)
}
