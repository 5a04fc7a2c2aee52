package selector

import "sort"

// Range is an inclusive count range drawn uniformly.
type Range struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Plan turns a total into per-tier targets. Fixed tiers get their count,
// ranged tiers draw one, and the Derived tier receives whatever is left of
// Total. A strict plan rejects a negative derived count; a lenient one
// clamps it to zero and trims ranged, then fixed, tiers until the targets
// fit in Total.
type Plan struct {
	Total   int              `json:"total"`
	Order   []string         `json:"order,omitempty"`
	Fixed   map[string]int   `json:"fixed,omitempty"`
	Ranged  map[string]Range `json:"ranged,omitempty"`
	Derived string           `json:"derived,omitempty"`
	Strict  bool             `json:"strict"`
}

// Tiers.
const (
	Legendary = "legendary"
	Epic      = "epic"
	Rare      = "rare"

	Hard   = "hard"
	Medium = "medium"
	Easy   = "easy"
)

// ItemsPlan is the store default: one legendary, one or two epics, the rest
// rare. Short tiers are under-filled.
func ItemsPlan(total int) Plan {
	return Plan{
		Total:   total,
		Order:   []string{Legendary, Epic, Rare},
		Fixed:   map[string]int{Legendary: 1},
		Ranged:  map[string]Range{Epic: {Min: 1, Max: 2}},
		Derived: Rare,
	}
}

// QuestsPlan is the quest default: one hard, one or two medium, the rest
// easy. Counts are mandatory.
func QuestsPlan(total int) Plan {
	return Plan{
		Total:   total,
		Order:   []string{Hard, Medium, Easy},
		Fixed:   map[string]int{Hard: 1},
		Ranged:  map[string]Range{Medium: {Min: 1, Max: 2}},
		Derived: Easy,
		Strict:  true,
	}
}

// Tiers returns the plan's tiers in draw order. Tiers missing from Order are
// appended alphabetically, with the derived tier always last.
func (p Plan) Tiers() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(t string) {
		if t == "" || seen[t] {
			return
		}
		seen[t] = true
		out = append(out, t)
	}
	for _, t := range p.Order {
		if t != p.Derived {
			add(t)
		}
	}
	var rest []string
	for t := range p.Fixed {
		rest = append(rest, t)
	}
	for t := range p.Ranged {
		rest = append(rest, t)
	}
	sort.Strings(rest)
	for _, t := range rest {
		if t != p.Derived {
			add(t)
		}
	}
	add(p.Derived)
	return out
}

// Resolve draws the ranged counts and computes the derived one.
func (p Plan) Resolve(rng Rand) ([]Target, error) {
	tiers := p.Tiers()
	targets := make([]Target, 0, len(tiers))
	sum := 0

	for _, tier := range tiers {
		if tier == p.Derived {
			continue
		}
		n := 0
		if r, ok := p.Ranged[tier]; ok {
			if r.Min < 0 || r.Max < r.Min {
				return nil, &ConfigurationError{Tier: tier, Reason: "invalid range"}
			}
			n = r.Min + rng.IntN(r.Max-r.Min+1)
		} else if f := p.Fixed[tier]; f >= 0 {
			n = f
		} else {
			return nil, &ConfigurationError{Tier: tier, Reason: "negative fixed count"}
		}
		sum += n
		targets = append(targets, Target{Tier: tier, Count: n})
	}

	if p.Derived != "" {
		rest := p.Total - sum
		if rest < 0 {
			if p.Strict {
				return nil, &ConfigurationError{Tier: p.Derived, Want: rest, Reason: "derived count is negative"}
			}
			rest = 0
		}
		targets = append(targets, Target{Tier: p.Derived, Count: rest})
	}
	if !p.Strict {
		p.trim(targets, sum)
	}
	return targets, nil
}

// trim lowers counts in place, last tier first, until sum fits in Total.
func (p Plan) trim(targets []Target, sum int) {
	excess := sum - max(p.Total, 0)
	for _, ranged := range []bool{true, false} {
		for i := len(targets) - 1; i >= 0 && excess > 0; i-- {
			t := &targets[i]
			if t.Tier == p.Derived {
				continue
			}
			if _, ok := p.Ranged[t.Tier]; ok != ranged {
				continue
			}
			cut := min(t.Count, excess)
			t.Count -= cut
			excess -= cut
		}
	}
}

// Size sums target counts.
func Size(targets []Target) int {
	n := 0
	for _, t := range targets {
		n += t.Count
	}
	return n
}
