package catalog_test

import (
	"context"
	"testing"

	"github.com/kasuganosora/rotationd/model"
	"github.com/kasuganosora/rotationd/rotation/catalog"
	"github.com/kasuganosora/rotationd/rotation/selector"
	"github.com/kasuganosora/rotationd/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItemsListEligible(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Create([]*model.CatalogItem{
		{Name: "Gold Spray", ItemType: "spray", Rarity: selector.Legendary, Price: 1000, Active: true},
		{Name: "Old Spray", ItemType: "spray", Rarity: selector.Legendary, Price: 900, Active: false},
		{Name: "Blue Skin", ItemType: "skin", Rarity: selector.Rare, Price: 100, Active: true},
	}).Error)

	got, err := catalog.Items{}.ListEligible(ctx, db, selector.Legendary)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1000), got[0].Value)
	assert.Equal(t, selector.Legendary, got[0].Tier)

	pool, err := catalog.Pool(ctx, db, catalog.Items{}, []string{selector.Legendary, selector.Epic, selector.Rare})
	require.NoError(t, err)
	assert.Len(t, pool[selector.Legendary], 1)
	assert.Empty(t, pool[selector.Epic])
	assert.Len(t, pool[selector.Rare], 1)

	byID, err := catalog.ItemsByID(ctx, db, []int64{got[0].ID})
	require.NoError(t, err)
	assert.Equal(t, "Gold Spray", byID[got[0].ID].Name)
}

func TestQuestsListEligible(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Create([]*model.QuestTemplate{
		{Name: "Win 3", Difficulty: selector.Easy, CoinReward: 100, XPReward: 15, Active: true},
		{Name: "Win 10", Difficulty: selector.Hard, CoinReward: 500, XPReward: 80, Active: true},
	}).Error)

	got, err := catalog.Quests{}.ListEligible(ctx, db, selector.Easy)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(100), got[0].Value)

	byID, err := catalog.TemplatesByID(ctx, db, nil)
	require.NoError(t, err)
	assert.Empty(t, byID)
}
