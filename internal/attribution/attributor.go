package attribution

import (
	"fmt"
	"math"
	"strings"

	"github.com/JakeFAU/script-cpu-analyzer/internal/analysis"
)

// Entity groups the URL patterns of one vendor.
type Entity struct {
	Name     string   `mapstructure:"name"`
	Patterns []string `mapstructure:"patterns"`
}

// DefaultEntities returns the built-in entity definitions.
func DefaultEntities() []Entity {
	return []Entity{
		{
			Name: "Kameleoon",
			Patterns: []string{
				"*.kameleoon.com",
				"*.kameleoon.eu",
				"*.kameleoon.io",
				"*/static-proxy/kameleoon/script.js",
			},
		},
	}
}

// EntityCost is the rounded CPU time attributed to an entity.
type EntityCost struct {
	CPUTimeMs float64               `json:"cpu_time_ms"`
	Scripts   []analysis.ScriptCost `json:"scripts"`
}

// Result maps entity names to their cost. Every configured entity is present.
type Result map[string]EntityCost

// CPUTimeMs returns the entity total, or 0 when the entity is unknown.
func (r Result) CPUTimeMs(entity string) float64 {
	return r[entity].CPUTimeMs
}

type compiledEntity struct {
	name     string
	patterns []Pattern
}

// Attributor attributes script costs to entities. It holds no mutable state.
type Attributor struct {
	entities []compiledEntity
}

// New compiles the entity patterns.
func New(entities []Entity) (*Attributor, error) {
	compiled := make([]compiledEntity, 0, len(entities))
	seen := make(map[string]struct{}, len(entities))
	for _, entity := range entities {
		name := strings.TrimSpace(entity.Name)
		if name == "" {
			return nil, fmt.Errorf("entity name is required")
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate entity %q", name)
		}
		seen[name] = struct{}{}
		ce := compiledEntity{name: name}
		for _, raw := range entity.Patterns {
			p, err := CompilePattern(raw)
			if err != nil {
				return nil, fmt.Errorf("entity %s: %w", name, err)
			}
			ce.patterns = append(ce.patterns, p)
		}
		compiled = append(compiled, ce)
	}
	return &Attributor{entities: compiled}, nil
}

// Attribute sums script costs per entity. The first matching entity wins and
// unmatched scripts are dropped.
func (a *Attributor) Attribute(scripts []analysis.ScriptCost) Result {
	totals := make(map[string]float64, len(a.entities))
	result := make(Result, len(a.entities))
	for _, entity := range a.entities {
		result[entity.name] = EntityCost{Scripts: []analysis.ScriptCost{}}
	}

	for _, script := range scripts {
		host, ok := hostname(script.URL)
		if !ok {
			continue
		}
		name, ok := a.match(script.URL, host)
		if !ok {
			continue
		}
		totals[name] += script.CPUTimeMs
		cost := result[name]
		cost.Scripts = append(cost.Scripts, analysis.ScriptCost{
			URL:       script.URL,
			CPUTimeMs: math.Round(script.CPUTimeMs),
		})
		result[name] = cost
	}

	for name, total := range totals {
		cost := result[name]
		cost.CPUTimeMs = math.Round(total)
		result[name] = cost
	}
	return result
}

func (a *Attributor) match(scriptURL, host string) (string, bool) {
	for _, entity := range a.entities {
		for _, p := range entity.patterns {
			if p.Match(scriptURL, host) {
				return entity.name, true
			}
		}
	}
	return "", false
}
