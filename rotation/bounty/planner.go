// Package bounty plans the personalized quest each user gets per quest batch.
package bounty

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kasuganosora/rotationd/model"
	"github.com/kasuganosora/rotationd/rotation/selector"
	"gorm.io/datatypes"
)

// Bounty types.
const (
	PersonalImprovement = "personal_improvement"
	RivalChallenge      = "rival_challenge"
	GapFilling          = "gap_filling"
)

var ErrNoKinds = errors.New("bounty: no bounty kinds configured")

// Kind is one row of the bounty table.
type Kind struct {
	Type         string
	Name         string
	Description  string
	Difficulty   string
	Requirements map[string]interface{}
}

// Reward is what a bounty of a given difficulty pays.
type Reward struct {
	Coins int64
	XP    int64
}

// Planner draws one bounty assignment for a user. BatchID is left for the
// caller to fill.
type Planner interface {
	Draw(rng selector.Rand, userID int64) (*model.QuestAssignment, error)
}

// TablePlanner picks uniformly from a fixed table of kinds and prices the
// result by difficulty.
type TablePlanner struct {
	kinds   []Kind
	rewards map[string]Reward
}

// NewTablePlanner builds a planner. Empty kinds or rewards fall back to the
// defaults.
func NewTablePlanner(kinds []Kind, rewards map[string]Reward) *TablePlanner {
	if len(kinds) == 0 {
		kinds = DefaultKinds()
	}
	if len(rewards) == 0 {
		rewards = DefaultRewards()
	}
	return &TablePlanner{kinds: kinds, rewards: rewards}
}

// DefaultKinds is the built-in bounty table.
func DefaultKinds() []Kind {
	return []Kind{
		{
			Type:         PersonalImprovement,
			Name:         "Personal Best",
			Description:  "Beat your own best time on a map you have already completed.",
			Difficulty:   selector.Medium,
			Requirements: map[string]interface{}{"type": PersonalImprovement, "improve_by_percent": 5},
		},
		{
			Type:         RivalChallenge,
			Name:         "Rival Challenge",
			Description:  "Beat the time of a player ranked just above you.",
			Difficulty:   selector.Hard,
			Requirements: map[string]interface{}{"type": RivalChallenge},
		},
		{
			Type:         GapFilling,
			Name:         "Fill the Gap",
			Description:  "Complete a map in a category you have not played yet.",
			Difficulty:   selector.Easy,
			Requirements: map[string]interface{}{"type": GapFilling, "count": 1},
		},
	}
}

// DefaultRewards prices bounties by difficulty.
func DefaultRewards() map[string]Reward {
	return map[string]Reward{
		selector.Easy:   {Coins: 100, XP: 15},
		selector.Medium: {Coins: 250, XP: 35},
		selector.Hard:   {Coins: 500, XP: 75},
	}
}

func (p *TablePlanner) Draw(rng selector.Rand, userID int64) (*model.QuestAssignment, error) {
	if len(p.kinds) == 0 {
		return nil, ErrNoKinds
	}
	k := p.kinds[rng.IntN(len(p.kinds))]
	difficulty := k.Difficulty
	if difficulty == "" {
		difficulty = selector.Medium
	}
	reward, ok := p.rewards[difficulty]
	if !ok {
		return nil, fmt.Errorf("bounty: no reward for difficulty %q", difficulty)
	}

	req, err := json.Marshal(k.Requirements)
	if err != nil {
		return nil, fmt.Errorf("bounty: encode requirements: %w", err)
	}
	uid := userID
	return &model.QuestAssignment{
		Kind:         model.AssignmentBounty,
		UserID:       &uid,
		Name:         k.Name,
		Description:  k.Description,
		Difficulty:   difficulty,
		BountyType:   k.Type,
		CoinReward:   reward.Coins,
		XPReward:     reward.XP,
		Requirements: datatypes.JSON(req),
	}, nil
}
