package diceolotl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/lmittmann/tint"
)

var (
	ErrItemNotFound         = errors.New("item not found")
	ErrNotInInventory       = errors.New("item not in inventory")
	ErrInsufficientQuantity = errors.New("insufficient quantity")
	ErrNotEquippable        = errors.New("item can't be equipped")
)

// inventoryTypeOrder is the display order for item type groups. Types
// not listed here follow, sorted alphabetically.
var inventoryTypeOrder = []ItemType{
	ItemTypeWeapon,
	ItemTypeArmor,
	ItemTypeConsumable,
}

var itemTypeEmoji = map[ItemType]string{
	ItemTypeWeapon:     "⚔️",
	ItemTypeArmor:      "🛡️",
	ItemTypeConsumable: "🧪",
	ItemTypeMisc:       "📦",
}

// InventoryEntry is a quantity of one item held by one user. A user holds
// at most one entry per item.
//
//nolint:lll // struct tags can't be split
type InventoryEntry struct {
	ModelUintID
	UserID    uint      `gorm:"not null;uniqueIndex:idx_player_inventory_user_item;index" json:"user_id"`
	User      *User     `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
	ItemID    uint      `gorm:"not null;uniqueIndex:idx_player_inventory_user_item" json:"item_id"`
	Item      *Item     `gorm:"foreignKey:ItemID;constraint:OnDelete:CASCADE" json:"item,omitempty"`
	Quantity  int       `gorm:"not null;default:1;check:quantity >= 0" json:"quantity"`
	Equipped  bool      `gorm:"not null;default:false" json:"equipped"`
	CreatedAt time.Time `gorm:"autoCreateTime;default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (InventoryEntry) TableName() string {
	return "player_inventory"
}

func (e InventoryEntry) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Uint64("user_id", uint64(e.UserID)),
		slog.Uint64("item_id", uint64(e.ItemID)),
		slog.Int("quantity", e.Quantity),
		slog.Bool("equipped", e.Equipped),
	}
	if e.Item != nil {
		attrs = append(attrs, slog.String("item", e.Item.Name))
	}
	return slog.GroupValue(attrs...)
}

// InventoryGroup is the set of entries sharing an item type
type InventoryGroup struct {
	Type    ItemType         `json:"type"`
	Entries []InventoryEntry `json:"entries"`
}

// InventorySummary aggregates a user's inventory for display
type InventorySummary struct {
	Groups        []InventoryGroup `json:"groups"`
	TotalQuantity int              `json:"total_quantity"`
	UniqueItems   int              `json:"unique_items"`
	TotalValue    int              `json:"total_value"`
}

// InventoryView is the inventory of a single user
type InventoryView struct {
	User    *User            `json:"user"`
	Entries []InventoryEntry `json:"entries"`
	Summary InventorySummary `json:"summary"`
}

// SummarizeInventory groups entries by item type (weapon, armor,
// consumable, then any other types alphabetically) and computes totals.
// Entry order within a group is preserved. Entries without a loaded
// Item are counted but not grouped.
func SummarizeInventory(entries []InventoryEntry) InventorySummary {
	summary := InventorySummary{UniqueItems: len(entries)}
	byType := map[ItemType][]InventoryEntry{}

	for _, e := range entries {
		summary.TotalQuantity += e.Quantity
		if e.Item == nil {
			continue
		}
		summary.TotalValue += e.Quantity * e.Item.Value
		byType[e.Item.Type] = append(byType[e.Item.Type], e)
	}

	for _, t := range inventoryTypeOrder {
		if g, ok := byType[t]; ok {
			summary.Groups = append(summary.Groups, InventoryGroup{Type: t, Entries: g})
			delete(byType, t)
		}
	}

	remaining := make([]ItemType, 0, len(byType))
	for t := range byType {
		remaining = append(remaining, t)
	}
	sort.Slice(remaining, func(i, j int) bool { return remaining[i] < remaining[j] })
	for _, t := range remaining {
		summary.Groups = append(summary.Groups, InventoryGroup{Type: t, Entries: byType[t]})
	}

	return summary
}

// InventoryService reads and modifies player inventories
type InventoryService struct {
	store  Store
	logger *slog.Logger
}

func NewInventoryService(store Store, logger *slog.Logger) *InventoryService {
	if logger == nil {
		logger = slog.Default()
	}
	return &InventoryService{store: store, logger: logger}
}

// Inventory returns the inventory of the given identity, creating the
// user first if needed.
func (s *InventoryService) Inventory(ctx context.Context, id Identity) (
	*InventoryView,
	error,
) {
	logger := contextLoggerOr(ctx, s.logger)

	user, _, err := s.store.GetOrCreateUser(ctx, id)
	if err != nil {
		logger.ErrorContext(ctx, "error getting user", "identity", id, tint.Err(err))
		return nil, fmt.Errorf("error getting user: %w", err)
	}

	entries, err := s.store.GetPlayerInventory(ctx, user.ID)
	if err != nil {
		logger.ErrorContext(ctx, "error getting inventory", "user", user, tint.Err(err))
		return nil, fmt.Errorf("error getting inventory: %w", err)
	}

	return &InventoryView{
		User:    user,
		Entries: entries,
		Summary: SummarizeInventory(entries),
	}, nil
}

// Grant adds quantity of the named item to the user's inventory
func (s *InventoryService) Grant(
	ctx context.Context,
	id Identity,
	itemName string,
	quantity int,
) (*InventoryEntry, error) {
	if quantity < 1 {
		return nil, fmt.Errorf("quantity must be at least 1, got %d", quantity)
	}
	user, item, err := s.userAndItem(ctx, id, itemName)
	if err != nil {
		return nil, err
	}
	entry, err := s.store.AddItemToInventory(ctx, user.ID, item.ID, quantity)
	if err != nil {
		return nil, fmt.Errorf("error adding %q to inventory: %w", item.Name, err)
	}
	contextLoggerOr(ctx, s.logger).InfoContext(
		ctx, "granted item", "user", user, "entry", entry,
	)
	return entry, nil
}

// Revoke removes quantity of the named item from the user's inventory.
// The entry is deleted when its quantity reaches zero.
func (s *InventoryService) Revoke(
	ctx context.Context,
	id Identity,
	itemName string,
	quantity int,
) error {
	if quantity < 1 {
		return fmt.Errorf("quantity must be at least 1, got %d", quantity)
	}
	user, item, err := s.userAndItem(ctx, id, itemName)
	if err != nil {
		return err
	}
	if err = s.store.RemoveItemFromInventory(ctx, user.ID, item.ID, quantity); err != nil {
		return fmt.Errorf("error removing %q from inventory: %w", item.Name, err)
	}
	contextLoggerOr(ctx, s.logger).InfoContext(
		ctx, "revoked item",
		"user", user, "item", item, "quantity", quantity,
	)
	return nil
}

// Equip equips the named item, unequipping any other item of the same
// type held by the user.
func (s *InventoryService) Equip(ctx context.Context, id Identity, itemName string) (
	*Item,
	error,
) {
	user, item, err := s.userAndItem(ctx, id, itemName)
	if err != nil {
		return nil, err
	}
	if !item.Type.Equippable() {
		return item, fmt.Errorf("%s: %w", item.Name, ErrNotEquippable)
	}
	if err = s.store.EquipItem(ctx, user.ID, item.ID); err != nil {
		return item, fmt.Errorf("%s: %w", item.Name, err)
	}
	return item, nil
}

// Unequip unequips the named item
func (s *InventoryService) Unequip(ctx context.Context, id Identity, itemName string) (
	*Item,
	error,
) {
	user, item, err := s.userAndItem(ctx, id, itemName)
	if err != nil {
		return nil, err
	}
	if err = s.store.UnequipItem(ctx, user.ID, item.ID); err != nil {
		return item, fmt.Errorf("%s: %w", item.Name, err)
	}
	return item, nil
}

func (s *InventoryService) userAndItem(
	ctx context.Context,
	id Identity,
	itemName string,
) (*User, *Item, error) {
	user, _, err := s.store.GetOrCreateUser(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("error getting user: %w", err)
	}
	item, err := s.store.GetItemByName(ctx, itemName)
	if err != nil {
		return user, nil, err
	}
	return user, item, nil
}

// itemLine renders a single inventory entry for display
func itemLine(e InventoryEntry) string {
	if e.Item == nil {
		return fmt.Sprintf("❔ **item #%d** x%d", e.ItemID, e.Quantity)
	}
	emoji, ok := itemTypeEmoji[e.Item.Type]
	if !ok {
		emoji = "📦"
	}
	line := fmt.Sprintf("%s **%s** x%d", emoji, e.Item.Name, e.Quantity)
	if e.Equipped {
		line += " *(equipped)*"
	}
	return line
}
