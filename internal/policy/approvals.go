package policy

// Reasons reported by CheckApprovalRequired.
const (
	ReasonAutoRule         = "auto_rule"
	ReasonProposeOnlyRule  = "propose_only_rule"
	ReasonHumanSignoffRule = "human_signoff_rule"
	ReasonNoMatchingRule   = "no_matching_rule"
)

// Approval types, mirrored by types.ApprovalType.
const (
	TypeNone         = ""
	TypePropose      = "propose"
	TypeHumanSignoff = "human_signoff"
	TypeDefault      = "default"
)

type ApprovalCheck struct {
	Required    bool
	Type        string
	Reason      string
	MatchedRule string
}

// CheckApprovalRequired walks the auto, propose_only and human_signoff tiers
// in order. If nothing matches approval is required.
func CheckApprovalRequired(p Policy, action string, metadata map[string]any) ApprovalCheck {
	if r, ok := firstMatch(p, p.Approvals.Auto, action, metadata); ok {
		return ApprovalCheck{Required: false, Type: TypeNone, Reason: ReasonAutoRule, MatchedRule: ruleLabel(r)}
	}
	if r, ok := firstMatch(p, p.Approvals.ProposeOnly, action, metadata); ok {
		return ApprovalCheck{Required: true, Type: TypePropose, Reason: ReasonProposeOnlyRule, MatchedRule: ruleLabel(r)}
	}
	if r, ok := firstMatch(p, p.Approvals.HumanSignoff, action, metadata); ok {
		return ApprovalCheck{Required: true, Type: TypeHumanSignoff, Reason: ReasonHumanSignoffRule, MatchedRule: ruleLabel(r)}
	}
	return ApprovalCheck{Required: true, Type: TypeDefault, Reason: ReasonNoMatchingRule}
}

func firstMatch(p Policy, rules []ApprovalRule, action string, metadata map[string]any) (ApprovalRule, bool) {
	for _, r := range rules {
		if len(r.Actions) > 0 && !contains(r.Actions, action) {
			continue
		}
		if EvaluateRule(p, r.Rule, action, metadata) {
			return r, true
		}
	}
	return ApprovalRule{}, false
}

func ruleLabel(r ApprovalRule) string {
	if r.ID != "" {
		return r.ID
	}
	return r.Rule
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
