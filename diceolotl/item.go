package diceolotl

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// ItemType is the broad category of an item
type ItemType string

const (
	ItemTypeWeapon     ItemType = "weapon"
	ItemTypeArmor      ItemType = "armor"
	ItemTypeConsumable ItemType = "consumable"
	ItemTypeMisc       ItemType = "misc"
)

// Equippable returns true for item types that can be equipped
func (t ItemType) Equippable() bool {
	return t == ItemTypeWeapon || t == ItemTypeArmor
}

// Rarity is one of common, uncommon, rare, epic, legendary
type Rarity string

const (
	RarityCommon    Rarity = "common"
	RarityUncommon  Rarity = "uncommon"
	RarityRare      Rarity = "rare"
	RarityEpic      Rarity = "epic"
	RarityLegendary Rarity = "legendary"
)

// ItemStats holds arbitrary item attributes (attack, defense, heal...).
// Stored as jsonb on postgres and as text on sqlite.
type ItemStats map[string]any

// Scan implements the sql.Scanner interface.
func (s *ItemStats) Scan(value any) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*s = ItemStats{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unexpected type for ItemStats: %T", value)
	}
	if len(data) == 0 {
		*s = ItemStats{}
		return nil
	}
	stats := ItemStats{}
	if err := json.Unmarshal(data, &stats); err != nil {
		return fmt.Errorf("error decoding item stats: %w", err)
	}
	*s = stats
	return nil
}

// Value implements the driver.Valuer interface.
func (s ItemStats) Value() (driver.Value, error) {
	if s == nil {
		return "{}", nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// GormDataType implements the schema.GormDataTypeInterface interface.
func (ItemStats) GormDataType() string {
	return "json"
}

// GormDBDataType implements the migrator.GormDBDataTypeInterface interface.
func (ItemStats) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	if db.Dialector.Name() == dbTypePostgres {
		return "jsonb"
	}
	return "text"
}

// Item is an item definition. Players hold items through [InventoryEntry].
//
//nolint:lll // struct tags can't be split
type Item struct {
	ModelUintID
	Name        string    `gorm:"type:varchar(100);not null;uniqueIndex" json:"name"`
	Description string    `gorm:"type:text" json:"description,omitempty"`
	Type        ItemType  `gorm:"type:varchar(50);not null;index" json:"type"`
	Rarity      Rarity    `gorm:"type:varchar(20);default:common;index" json:"rarity"`
	Value       int       `gorm:"default:0" json:"value"`
	Stats       ItemStats `json:"stats,omitempty"`
	CreatedAt   time.Time `gorm:"autoCreateTime;default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (i Item) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(i.ID)),
		slog.String("name", i.Name),
		slog.String("type", string(i.Type)),
		slog.String("rarity", string(i.Rarity)),
	)
}

// sampleItems are inserted by `diceolotl init`, or on startup when
// database.init is set
func sampleItems() []Item {
	return []Item{
		{
			Name:        "Iron Sword",
			Description: "A sturdy iron sword suitable for beginners.",
			Type:        ItemTypeWeapon,
			Rarity:      RarityCommon,
			Value:       50,
			Stats:       ItemStats{"attack": 15, "durability": 100},
		},
		{
			Name:        "Leather Armor",
			Description: "Basic leather armor providing minimal protection.",
			Type:        ItemTypeArmor,
			Rarity:      RarityCommon,
			Value:       30,
			Stats:       ItemStats{"defense": 8, "durability": 80},
		},
		{
			Name:        "Health Potion",
			Description: "Restores 50 health points.",
			Type:        ItemTypeConsumable,
			Rarity:      RarityCommon,
			Value:       25,
			Stats:       ItemStats{"heal": 50},
		},
		{
			Name:        "Dragon Scale",
			Description: "A rare scale from an ancient dragon.",
			Type:        ItemTypeMisc,
			Rarity:      RarityLegendary,
			Value:       1000,
			Stats:       ItemStats{},
		},
	}
}
