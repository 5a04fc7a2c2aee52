package model

import "gorm.io/datatypes"

// CatalogItem is a purchasable item authored outside this service.
type CatalogItem struct {
	ID       int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	Name     string `gorm:"size:64;not null" json:"name"`
	ItemType string `gorm:"size:32;not null" json:"item_type"`
	Rarity   string `gorm:"size:16;not null;index:idx_catalog_rarity" json:"rarity"`
	Price    int64  `gorm:"not null" json:"price"`
	Active   bool   `gorm:"not null" json:"active"`
}

// QuestTemplate is a global quest definition authored outside this service.
type QuestTemplate struct {
	ID           int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Name         string         `gorm:"size:64;not null" json:"name"`
	Description  string         `gorm:"type:text" json:"description"`
	Difficulty   string         `gorm:"size:16;not null;index:idx_template_difficulty" json:"difficulty"`
	CoinReward   int64          `gorm:"not null" json:"coin_reward"`
	XPReward     int64          `gorm:"not null" json:"xp_reward"`
	Requirements datatypes.JSON `json:"requirements"`
	Active       bool           `gorm:"not null" json:"active"`
}
