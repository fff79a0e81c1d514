package policy

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/davidahmann/finagent/internal/crypto"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed policy.schema.json
var schemaJSON string

const schemaURL = "https://finagent.schemas.local/policy.schema.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

type LoadedPolicy struct {
	Policy Policy
	Hash   string
	Bytes  []byte
}

type document struct {
	Policy     `yaml:",inline"`
	Heuristics *heuristicsDoc `yaml:"heuristics"`
}

// Load reads a YAML policy from disk, validates it and computes its hash from raw bytes.
func Load(path string) (LoadedPolicy, error) {
	// #nosec G304 -- path comes from operator-configured policy path.
	data, err := os.ReadFile(path)
	if err != nil {
		return LoadedPolicy{}, err
	}
	return Parse(data)
}

// Parse validates a policy document. Every failure is a *ConfigError.
func Parse(data []byte) (LoadedPolicy, error) {
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return LoadedPolicy{}, configErr("malformed yaml: " + err.Error())
	}
	if err := validateSchema(generic); err != nil {
		return LoadedPolicy{}, err
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return LoadedPolicy{}, configErr("decode policy: " + err.Error())
	}
	p := doc.Policy
	p.Heuristics = doc.Heuristics.resolve()

	if err := Validate(p); err != nil {
		return LoadedPolicy{}, err
	}

	return LoadedPolicy{
		Policy: p,
		Hash:   crypto.DigestWithPrefix(data),
		Bytes:  data,
	}, nil
}

// Validate checks the invariants that a schema cannot express.
func Validate(p Policy) error {
	var problems []string

	if p.Version < 1 {
		problems = append(problems, "version must be >= 1")
	}

	names := make([]string, 0, len(p.Thresholds))
	for name := range p.Thresholds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v := p.Thresholds[name]
		if math.IsNaN(v) || v < 0 || v > 1 {
			problems = append(problems, fmt.Sprintf("threshold %s=%v outside [0,1]", name, v))
		}
	}

	var sum float64
	for _, pct := range p.Allocations {
		sum += pct
	}
	if len(p.Allocations) == 0 || math.Abs(sum-100) > 1e-9 {
		problems = append(problems, fmt.Sprintf("allocations must sum to 100, got %v", sum))
	}

	tiers := []struct {
		name  string
		rules []ApprovalRule
	}{
		{"auto", p.Approvals.Auto},
		{"propose_only", p.Approvals.ProposeOnly},
		{"human_signoff", p.Approvals.HumanSignoff},
	}
	for _, tier := range tiers {
		for i, r := range tier.rules {
			if strings.TrimSpace(r.Rule) == "" {
				problems = append(problems, fmt.Sprintf("approvals.%s[%d]: rule is required", tier.name, i))
			}
		}
	}

	for i, ap := range p.RDTI.ActivityPatterns {
		if _, err := regexp.Compile("(?i)" + ap.Pattern); err != nil {
			problems = append(problems, fmt.Sprintf("rdti.activity_patterns[%d]: invalid pattern %q: %v", i, ap.Pattern, err))
		}
	}

	h := p.Heuristics
	if h.LargeAmountPenalty < 0 || h.LargeAmountPenalty > 1 {
		problems = append(problems, "heuristics.large_amount_penalty outside [0,1]")
	}
	if h.RDTIBenefitRate < 0 || h.RDTIBenefitRate > 1 {
		problems = append(problems, "heuristics.rdti_benefit_rate outside [0,1]")
	}

	if len(problems) > 0 {
		return configErr(problems...)
	}
	return nil
}

func validateSchema(generic any) error {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("policy schema load failed: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(schemaURL)
	})
	if schemaErr != nil {
		return schemaErr
	}

	// Round-trip through JSON so the validator sees the same shapes it would
	// for a JSON document.
	raw, err := json.Marshal(generic)
	if err != nil {
		return configErr("policy is not representable as json: " + err.Error())
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return configErr(err.Error())
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return configErr("schema: " + err.Error())
	}
	return nil
}
