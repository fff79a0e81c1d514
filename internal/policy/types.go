package policy

// Policy is the versioned declarative configuration shared by every agent.
// It is loaded once and treated as an immutable value afterwards.
type Policy struct {
	Version       int                 `yaml:"version" json:"version"`
	Entities      []Entity            `yaml:"entities" json:"entities"`
	Thresholds    map[string]float64  `yaml:"thresholds" json:"thresholds"`
	Approvals     ApprovalTiers       `yaml:"approvals" json:"approvals"`
	VendorRules   []VendorRule        `yaml:"vendor_rules" json:"vendor_rules"`
	Allocations   map[string]float64  `yaml:"allocations" json:"allocations"`
	RDTI          RDTIPolicy          `yaml:"rdti" json:"rdti"`
	Notifications NotificationPolicy  `yaml:"notifications" json:"notifications"`
	Cashflow      CashflowPolicy      `yaml:"cashflow" json:"cashflow"`
	KnownLists    map[string][]string `yaml:"known_lists" json:"known_lists"`
	Heuristics    Heuristics          `yaml:"-" json:"heuristics"`
}

type Entity struct {
	Code string `yaml:"code" json:"code"`
	Name string `yaml:"name" json:"name"`
}

// ApprovalTiers are evaluated in order: auto, propose_only, human_signoff.
type ApprovalTiers struct {
	Auto         []ApprovalRule `yaml:"auto" json:"auto"`
	ProposeOnly  []ApprovalRule `yaml:"propose_only" json:"propose_only"`
	HumanSignoff []ApprovalRule `yaml:"human_signoff" json:"human_signoff"`
}

type ApprovalRule struct {
	ID          string   `yaml:"id" json:"id,omitempty"`
	Rule        string   `yaml:"rule" json:"rule"`
	Description string   `yaml:"description" json:"description,omitempty"`
	Actions     []string `yaml:"actions" json:"actions,omitempty"`
}

type VendorRule struct {
	Vendor   string            `yaml:"vendor" json:"vendor"`
	Account  string            `yaml:"account" json:"account"`
	TaxCode  string            `yaml:"tax_code" json:"tax_code"`
	Tracking map[string]string `yaml:"tracking" json:"tracking,omitempty"`
}

type RDTIPolicy struct {
	EligibleSuppliers []string          `yaml:"eligible_suppliers" json:"eligible_suppliers"`
	ActivityPatterns  []ActivityPattern `yaml:"activity_patterns" json:"activity_patterns"`
}

type ActivityPattern struct {
	Pattern    string  `yaml:"pattern" json:"pattern"`
	Category   string  `yaml:"category" json:"category"`
	Confidence float64 `yaml:"confidence" json:"confidence"`
}

type NotificationPolicy struct {
	Channel string `yaml:"channel" json:"channel"`
}

type CashflowPolicy struct {
	MinBalance  float64 `yaml:"min_balance" json:"min_balance"`
	MaxBurnRate float64 `yaml:"max_burn_rate" json:"max_burn_rate"`
}

// Heuristics are the tunable constants behind confidence penalties and
// board-pack scoring. Missing values fall back to DefaultHeuristics.
type Heuristics struct {
	LargeAmountThreshold    float64 `json:"large_amount_threshold"`
	LargeAmountPenalty      float64 `json:"large_amount_penalty"`
	EInvoiceThresholdUplift float64 `json:"einvoice_threshold_uplift"`
	RDTIBenefitRate         float64 `json:"rdti_benefit_rate"`
	HealthBase              int     `json:"health_base"`
	HealthProfitBonus       int     `json:"health_profit_bonus"`
	HealthLossPenalty       int     `json:"health_loss_penalty"`
	HealthGrowthPlaceholder int     `json:"health_growth_placeholder"`
}

func DefaultHeuristics() Heuristics {
	return Heuristics{
		LargeAmountThreshold:    1000,
		LargeAmountPenalty:      0.10,
		EInvoiceThresholdUplift: 0.05,
		RDTIBenefitRate:         0.435,
		HealthBase:              70,
		HealthProfitBonus:       20,
		HealthLossPenalty:       30,
		HealthGrowthPlaceholder: 10,
	}
}

type heuristicsDoc struct {
	LargeAmountThreshold    *float64 `yaml:"large_amount_threshold"`
	LargeAmountPenalty      *float64 `yaml:"large_amount_penalty"`
	EInvoiceThresholdUplift *float64 `yaml:"einvoice_threshold_uplift"`
	RDTIBenefitRate         *float64 `yaml:"rdti_benefit_rate"`
	HealthBase              *int     `yaml:"health_base"`
	HealthProfitBonus       *int     `yaml:"health_profit_bonus"`
	HealthLossPenalty       *int     `yaml:"health_loss_penalty"`
	HealthGrowthPlaceholder *int     `yaml:"health_growth_placeholder"`
}

func (d *heuristicsDoc) resolve() Heuristics {
	h := DefaultHeuristics()
	if d == nil {
		return h
	}
	if d.LargeAmountThreshold != nil {
		h.LargeAmountThreshold = *d.LargeAmountThreshold
	}
	if d.LargeAmountPenalty != nil {
		h.LargeAmountPenalty = *d.LargeAmountPenalty
	}
	if d.EInvoiceThresholdUplift != nil {
		h.EInvoiceThresholdUplift = *d.EInvoiceThresholdUplift
	}
	if d.RDTIBenefitRate != nil {
		h.RDTIBenefitRate = *d.RDTIBenefitRate
	}
	if d.HealthBase != nil {
		h.HealthBase = *d.HealthBase
	}
	if d.HealthProfitBonus != nil {
		h.HealthProfitBonus = *d.HealthProfitBonus
	}
	if d.HealthLossPenalty != nil {
		h.HealthLossPenalty = *d.HealthLossPenalty
	}
	if d.HealthGrowthPlaceholder != nil {
		h.HealthGrowthPlaceholder = *d.HealthGrowthPlaceholder
	}
	return h
}

const (
	ThresholdAutoMatchBank = "auto_match_bank_confidence"
	ThresholdAutoPostBill  = "auto_post_bill_confidence"
	ThresholdRDTILink      = "rdti_link_confidence"
)

var defaultThresholds = map[string]float64{
	ThresholdAutoMatchBank: 0.90,
	ThresholdAutoPostBill:  0.85,
	ThresholdRDTILink:      0.70,
}

// Threshold returns the named confidence cutoff, or the built-in default.
func (p Policy) Threshold(name string) float64 {
	if v, ok := p.Thresholds[name]; ok {
		return v
	}
	return defaultThresholds[name]
}

// List resolves a named vendor list for `vendor in <list>` rules.
func (p Policy) List(name string) ([]string, bool) {
	if list, ok := p.KnownLists[name]; ok {
		return list, true
	}
	switch name {
	case "approved_vendors", "known_vendors", "vendor_rules":
		out := make([]string, 0, len(p.VendorRules))
		for _, vr := range p.VendorRules {
			out = append(out, vr.Vendor)
		}
		return out, true
	case "rdti_suppliers", "eligible_suppliers":
		return p.RDTI.EligibleSuppliers, true
	}
	return nil, false
}
