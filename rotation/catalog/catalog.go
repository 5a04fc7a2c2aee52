// Package catalog reads the externally authored item and quest pools.
package catalog

import (
	"context"
	"fmt"

	"github.com/kasuganosora/rotationd/model"
	"github.com/kasuganosora/rotationd/rotation/selector"
	"gorm.io/gorm"
)

// Source lists active content of one tier.
type Source interface {
	ListEligible(ctx context.Context, db *gorm.DB, tier string) ([]selector.Candidate, error)
}

// Pool loads every listed tier from src into a selector.Pool.
func Pool(ctx context.Context, db *gorm.DB, src Source, tiers []string) (selector.Pool, error) {
	pool := make(selector.Pool, len(tiers))
	for _, tier := range tiers {
		cs, err := src.ListEligible(ctx, db, tier)
		if err != nil {
			return nil, err
		}
		pool[tier] = cs
	}
	return pool, nil
}

// Items reads catalog_items.
type Items struct{}

func (Items) ListEligible(ctx context.Context, db *gorm.DB, tier string) ([]selector.Candidate, error) {
	var rows []model.CatalogItem
	if err := db.WithContext(ctx).
		Where("rarity = ? AND active = ?", tier, true).
		Order("id").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("catalog: items %s: %w", tier, err)
	}
	out := make([]selector.Candidate, len(rows))
	for i, r := range rows {
		out[i] = selector.Candidate{ID: r.ID, Tier: r.Rarity, Value: r.Price}
	}
	return out, nil
}

// ItemsByID fetches the full rows for drawn item candidates.
func ItemsByID(ctx context.Context, db *gorm.DB, ids []int64) (map[int64]model.CatalogItem, error) {
	out := make(map[int64]model.CatalogItem, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []model.CatalogItem
	if err := db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("catalog: items by id: %w", err)
	}
	for _, r := range rows {
		out[r.ID] = r
	}
	return out, nil
}

// Quests reads quest_templates.
type Quests struct{}

func (Quests) ListEligible(ctx context.Context, db *gorm.DB, tier string) ([]selector.Candidate, error) {
	var rows []model.QuestTemplate
	if err := db.WithContext(ctx).
		Where("difficulty = ? AND active = ?", tier, true).
		Order("id").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("catalog: quests %s: %w", tier, err)
	}
	out := make([]selector.Candidate, len(rows))
	for i, r := range rows {
		out[i] = selector.Candidate{ID: r.ID, Tier: r.Difficulty, Value: r.CoinReward}
	}
	return out, nil
}

// TemplatesByID fetches the full rows for drawn quest candidates.
func TemplatesByID(ctx context.Context, db *gorm.DB, ids []int64) (map[int64]model.QuestTemplate, error) {
	out := make(map[int64]model.QuestTemplate, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []model.QuestTemplate
	if err := db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("catalog: templates by id: %w", err)
	}
	for _, r := range rows {
		out[r.ID] = r
	}
	return out, nil
}
