// Package realtime is the boundary to the realtime evaluation path. Some
// cohorts can be evaluated per event by a bytecode VM instead of by
// recalculating SQL; this package hashes leaf conditions, defines the
// contract of the external bytecode compiler, and decides which cohorts may
// rely on that path alone.
package realtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/roach88/cohortc/internal/cohort"
	"github.com/roach88/cohortc/internal/depgraph"
	"github.com/roach88/cohortc/internal/filter"
)

// DomainCondition prefixes condition hashes. The version suffix allows
// migrating the algorithm.
const DomainCondition = "cohortc/condition/v1"

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ConditionHash is the content identity of a leaf condition: equal leaves
// hash equally wherever they appear, so the realtime path evaluates each
// distinct condition once.
func ConditionHash(p *filter.Property) (string, error) {
	canonical, err := MarshalCanonical(p.ToMap())
	if err != nil {
		return "", fmt.Errorf("condition hash for %q: %w", p.Key, err)
	}
	return hashWithDomain(DomainCondition, canonical), nil
}

// Bytecode is an opaque program for the realtime VM.
type Bytecode []any

// BytecodeCompiler compiles one leaf condition for the realtime VM. It
// returns the program and the condition hash the program is stored under.
type BytecodeCompiler interface {
	Compile(ctx context.Context, p *filter.Property, teamID int64) (Bytecode, string, error)
}

// CompilerFunc adapts a function to BytecodeCompiler.
type CompilerFunc func(ctx context.Context, p *filter.Property, teamID int64) (Bytecode, string, error)

// Compile implements BytecodeCompiler.
func (f CompilerFunc) Compile(ctx context.Context, p *filter.Property, teamID int64) (Bytecode, string, error) {
	return f(ctx, p, teamID)
}

// Condition is one compiled leaf.
type Condition struct {
	Hash     string           `json:"condition_hash"`
	Bytecode Bytecode         `json:"bytecode"`
	Property *filter.Property `json:"property"`
}

// Conditions compiles every distinct leaf of an unwrapped tree, in first-seen
// order. A compiler hash that disagrees with ConditionHash is an error: the
// VM would file the program under the wrong identity.
func Conditions(ctx context.Context, bc BytecodeCompiler, tree *filter.Group, teamID int64) ([]Condition, error) {
	seen := make(map[string]bool)
	var out []Condition
	for _, p := range filter.Leaves(tree) {
		want, err := ConditionHash(p)
		if err != nil {
			return nil, err
		}
		if seen[want] {
			continue
		}
		seen[want] = true

		code, hash, err := bc.Compile(ctx, p, teamID)
		if err != nil {
			return nil, fmt.Errorf("compile condition %q: %w", p.Key, err)
		}
		if hash != want {
			return nil, fmt.Errorf("condition %q: compiler hash %s, expected %s", p.Key, hash, want)
		}
		out = append(out, Condition{Hash: hash, Bytecode: code, Property: p})
	}
	return out, nil
}

// Eligible reports whether cohort id can be evaluated by the realtime path
// alone. It cannot when it failed classification, when any cohort it
// transitively references failed, when it or any of those cohorts is static
// or holds a static-cohort condition, or when its type is Analytical.
func Eligible(c *depgraph.Classification, id int64) bool {
	if c.Failed(id) {
		return false
	}
	t, ok := c.Types[id]
	if !ok || t == cohort.TypeAnalytical {
		return false
	}
	for _, d := range c.Graph.TransitiveDeps(id) {
		if c.Failed(d) {
			return false
		}
		if _, classified := c.Types[d]; !classified {
			return false
		}
	}
	return !c.Graph.ReferencesStatic(id)
}
