// Package selector draws rotation content from a tiered pool. It does no I/O;
// randomness comes from the caller so tests can pin the draw.
package selector

import (
	"fmt"
	"sync"
)

// Rand is the subset of *math/rand/v2.Rand the selector needs.
type Rand interface {
	IntN(n int) int
}

// Candidate is one drawable piece of content.
type Candidate struct {
	ID    int64
	Tier  string
	Value int64 // price for items, coin reward for quests
}

// Pool groups candidates by tier.
type Pool map[string][]Candidate

// Target is the number of candidates to draw from one tier.
type Target struct {
	Tier  string
	Count int
}

// ConfigurationError means the pool or plan cannot satisfy a mandatory count.
type ConfigurationError struct {
	Tier   string
	Want   int
	Have   int
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("selector: tier %q: %s", e.Tier, e.Reason)
	}
	return fmt.Sprintf("selector: tier %q needs %d, only %d eligible", e.Tier, e.Want, e.Have)
}

// Select draws, for each target in order, Count distinct candidates of that
// tier uniformly at random, skipping excluded ids and ids already drawn for
// an earlier tier. A short tier is under-filled unless strict is set, in
// which case the whole selection fails with *ConfigurationError.
func Select(rng Rand, pool Pool, excluded map[int64]struct{}, targets []Target, strict bool) ([]Candidate, error) {
	taken := make(map[int64]struct{})
	var out []Candidate

	for _, t := range targets {
		if t.Count <= 0 {
			continue
		}
		eligible := make([]Candidate, 0, len(pool[t.Tier]))
		for _, c := range pool[t.Tier] {
			if _, skip := excluded[c.ID]; skip {
				continue
			}
			if _, dup := taken[c.ID]; dup {
				continue
			}
			eligible = append(eligible, c)
		}

		n := t.Count
		if len(eligible) < n {
			if strict {
				return nil, &ConfigurationError{Tier: t.Tier, Want: t.Count, Have: len(eligible)}
			}
			n = len(eligible)
		}

		// partial Fisher-Yates: the first n slots end up a uniform sample
		for i := 0; i < n; i++ {
			j := i + rng.IntN(len(eligible)-i)
			eligible[i], eligible[j] = eligible[j], eligible[i]
			c := eligible[i]
			c.Tier = t.Tier
			taken[c.ID] = struct{}{}
			out = append(out, c)
		}
	}
	return out, nil
}

// Locked serializes access to r so one source can be shared by goroutines.
func Locked(r Rand) Rand {
	return &lockedRand{r: r}
}

type lockedRand struct {
	mu sync.Mutex
	r  Rand
}

func (l *lockedRand) IntN(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.IntN(n)
}
