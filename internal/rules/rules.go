// Package rules parses and evaluates rule-set documents. A rule set names,
// for each rule key, the roles allowed to approve and how many approvals are
// required, plus an optional CEL expression that routes transactions to it.
package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"
	"github.com/gowebpki/jcs"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"signoff/internal/domain"
)

var (
	ErrInvalidRuleSet = errors.New("invalid rule set")
	ErrUnknownRule    = errors.New("unknown rule key")
	ErrNoMatch        = errors.New("no rule matches transaction")
	ErrStaleVersion   = errors.New("rule set version must be greater than the current version")
)

const schemaURL = "https://signoff.local/schemas/ruleset.json"

const ruleSetSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "rules"],
  "additionalProperties": false,
  "properties": {
    "version": {"type": "string", "minLength": 1},
    "rules": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["key", "threshold", "roles"],
        "additionalProperties": false,
        "properties": {
          "key": {"type": "string", "pattern": "^[a-z0-9][a-z0-9_.-]*$"},
          "description": {"type": "string"},
          "match": {"type": "string"},
          "threshold": {"type": "integer", "minimum": 1},
          "roles": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}}
        }
      }
    }
  }
}`

var schema = jsonschema.MustCompileString(schemaURL, ruleSetSchema)

type Rule struct {
	Key         string   `json:"key" yaml:"key"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Match       string   `json:"match,omitempty" yaml:"match,omitempty"`
	Threshold   int      `json:"threshold" yaml:"threshold"`
	Roles       []string `json:"roles" yaml:"roles"`
}

type Set struct {
	Version string `json:"version" yaml:"version"`
	Rules   []Rule `json:"rules" yaml:"rules"`

	semver   *semver.Version
	programs map[string]cel.Program
}

var celEnv *cel.Env

func init() {
	env, err := cel.NewEnv(
		cel.Variable("tx", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		panic(fmt.Sprintf("rules: cel env: %v", err))
	}
	celEnv = env
}

// Parse decodes a YAML or JSON rule set, validates it against the schema and
// compiles its match expressions.
func Parse(payload []byte) (*Set, error) {
	var raw any
	if err := yaml.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRuleSet, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidRuleSet)
	}
	data, err := json.Marshal(normalize(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRuleSet, err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRuleSet, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRuleSet, err)
	}
	var s Set
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRuleSet, err)
	}
	if err := s.compile(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Set) compile() error {
	v, err := semver.NewVersion(s.Version)
	if err != nil {
		return fmt.Errorf("%w: version %q: %v", ErrInvalidRuleSet, s.Version, err)
	}
	s.semver = v
	s.programs = map[string]cel.Program{}
	seen := map[string]bool{}
	for _, r := range s.Rules {
		if seen[r.Key] {
			return fmt.Errorf("%w: duplicate rule key %q", ErrInvalidRuleSet, r.Key)
		}
		seen[r.Key] = true
		if r.Match == "" {
			continue
		}
		if r.Key == domain.RulesUpdateKey {
			return fmt.Errorf("%w: %s cannot carry a match expression", ErrInvalidRuleSet, domain.RulesUpdateKey)
		}
		ast, issues := celEnv.Compile(r.Match)
		if issues != nil && issues.Err() != nil {
			return fmt.Errorf("%w: rule %s match: %v", ErrInvalidRuleSet, r.Key, issues.Err())
		}
		if !ast.OutputType().IsAssignableType(cel.BoolType) {
			return fmt.Errorf("%w: rule %s match must be boolean, got %s", ErrInvalidRuleSet, r.Key, ast.OutputType())
		}
		prg, err := celEnv.Program(ast)
		if err != nil {
			return fmt.Errorf("%w: rule %s match: %v", ErrInvalidRuleSet, r.Key, err)
		}
		s.programs[r.Key] = prg
	}
	if !seen[domain.RulesUpdateKey] {
		return fmt.Errorf("%w: rule %s is required", ErrInvalidRuleSet, domain.RulesUpdateKey)
	}
	return nil
}

// SemVer returns the parsed version.
func (s *Set) SemVer() *semver.Version {
	return s.semver
}

// CheckUpgrade fails unless s is strictly newer than current. A nil current
// accepts any version.
func (s *Set) CheckUpgrade(current *Set) error {
	if current == nil {
		return nil
	}
	if !s.semver.GreaterThan(current.semver) {
		return fmt.Errorf("%w: %s is not greater than %s", ErrStaleVersion, s.Version, current.Version)
	}
	return nil
}

func (s *Set) Rule(key string) (Rule, bool) {
	for _, r := range s.Rules {
		if r.Key == key {
			return r, true
		}
	}
	return Rule{}, false
}

// Requirement returns the approval requirement for key.
func (s *Set) Requirement(key string) (domain.Requirement, error) {
	r, ok := s.Rule(key)
	if !ok {
		return domain.Requirement{}, fmt.Errorf("%w: %s", ErrUnknownRule, key)
	}
	roles := append([]string(nil), r.Roles...)
	sort.Strings(roles)
	return domain.Requirement{RuleKey: r.Key, EligibleRoles: roles, Threshold: r.Threshold}, nil
}

// Match returns the key of the first rule, in document order, whose match
// expression is true for tx.
func (s *Set) Match(tx map[string]any) (string, error) {
	for _, r := range s.Rules {
		prg, ok := s.programs[r.Key]
		if !ok {
			continue
		}
		out, _, err := prg.Eval(map[string]any{"tx": tx})
		if err != nil {
			// missing fields make an expression inapplicable, not the document invalid
			if strings.Contains(err.Error(), "no such key") {
				continue
			}
			return "", fmt.Errorf("rule %s: %w", r.Key, err)
		}
		if b, ok := out.Value().(bool); ok && b {
			return r.Key, nil
		}
	}
	return "", ErrNoMatch
}

// Canonical returns the RFC 8785 canonical JSON of the rule set.
func (s *Set) Canonical() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(data)
}

// Summary is a one-line description used as a draft's payload description.
func (s *Set) Summary() string {
	keys := make([]string, 0, len(s.Rules))
	for _, r := range s.Rules {
		keys = append(keys, r.Key)
	}
	return fmt.Sprintf("rule set %s (%d rules: %s)", s.Version, len(s.Rules), strings.Join(keys, ", "))
}

// Digest returns the hex SHA-256 of the canonical form of a JSON document.
func Digest(jsonDoc []byte) (string, error) {
	canon, err := jcs.Transform(jsonDoc)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// normalize turns yaml map[any]any nodes into map[string]any.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalize(val)
		}
		return m
	case []any:
		for i := range t {
			t[i] = normalize(t[i])
		}
		return t
	default:
		return v
	}
}
