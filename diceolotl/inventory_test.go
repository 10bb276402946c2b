package diceolotl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarizeInventory(t *testing.T) {
	t.Parallel()

	sword := &Item{Name: "Iron Sword", Type: ItemTypeWeapon, Value: 50}
	armor := &Item{Name: "Leather Armor", Type: ItemTypeArmor, Value: 30}
	potion := &Item{Name: "Health Potion", Type: ItemTypeConsumable, Value: 25}
	scale := &Item{Name: "Dragon Scale", Type: ItemTypeMisc, Value: 1000}
	gem := &Item{Name: "Moonstone", Type: ItemType("gem"), Value: 5}

	entries := []InventoryEntry{
		{ItemID: 4, Item: scale, Quantity: 1},
		{ItemID: 3, Item: potion, Quantity: 3},
		{ItemID: 5, Item: gem, Quantity: 2},
		{ItemID: 1, Item: sword, Quantity: 1, Equipped: true},
		{ItemID: 2, Item: armor, Quantity: 1},
		{ItemID: 99, Quantity: 4},
	}

	summary := SummarizeInventory(entries)
	assert.Equal(t, 6, summary.UniqueItems)
	assert.Equal(t, 12, summary.TotalQuantity)
	assert.Equal(t, 1000+75+10+50+30, summary.TotalValue)

	var types []ItemType
	for _, g := range summary.Groups {
		types = append(types, g.Type)
		require.NotEmpty(t, g.Entries)
	}
	assert.Equal(
		t,
		[]ItemType{ItemTypeWeapon, ItemTypeArmor, ItemTypeConsumable, ItemType("gem"), ItemTypeMisc},
		types,
	)
	assert.Equal(t, "Iron Sword", summary.Groups[0].Entries[0].Item.Name)

	empty := SummarizeInventory(nil)
	assert.Empty(t, empty.Groups)
	assert.Zero(t, empty.TotalQuantity)
	assert.Zero(t, empty.UniqueItems)
}

func TestItemLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		entry InventoryEntry
		want  string
	}{
		{
			name: "equipped weapon",
			entry: InventoryEntry{
				Item:     &Item{Name: "Iron Sword", Type: ItemTypeWeapon},
				Quantity: 1,
				Equipped: true,
			},
			want: "⚔️ **Iron Sword** x1 *(equipped)*",
		},
		{
			name: "consumable",
			entry: InventoryEntry{
				Item:     &Item{Name: "Health Potion", Type: ItemTypeConsumable},
				Quantity: 3,
			},
			want: "🧪 **Health Potion** x3",
		},
		{
			name: "unknown type",
			entry: InventoryEntry{
				Item:     &Item{Name: "Moonstone", Type: ItemType("gem")},
				Quantity: 2,
			},
			want: "📦 **Moonstone** x2",
		},
		{
			name:  "item not loaded",
			entry: InventoryEntry{ItemID: 7, Quantity: 1},
			want:  "❔ **item #7** x1",
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				assert.Equal(t, tc.want, itemLine(tc.entry))
			},
		)
	}
}

func TestItemType_Equippable(t *testing.T) {
	t.Parallel()
	assert.True(t, ItemTypeWeapon.Equippable())
	assert.True(t, ItemTypeArmor.Equippable())
	assert.False(t, ItemTypeConsumable.Equippable())
	assert.False(t, ItemTypeMisc.Equippable())
}

func TestInventoryService_GrantAndRevoke(t *testing.T) {
	t.Parallel()
	store := setupTestDB(t)
	ctx := context.Background()
	svc := NewInventoryService(store, nil)
	id := testIdentity(t, "")

	view, err := svc.Inventory(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, view.Entries)
	assert.Equal(t, id.DiscordID, view.User.DiscordID)

	entry, err := svc.Grant(ctx, id, "health potion", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, entry.Quantity)

	_, err = svc.Grant(ctx, id, "Iron Sword", 1)
	require.NoError(t, err)

	_, err = svc.Grant(ctx, id, "Iron Sword", 0)
	require.Error(t, err)
	_, err = svc.Grant(ctx, id, "Vorpal Blade", 1)
	assert.ErrorIs(t, err, ErrItemNotFound)

	view, err = svc.Inventory(ctx, id)
	require.NoError(t, err)
	require.Len(t, view.Entries, 2)
	assert.Equal(t, 4, view.Summary.TotalQuantity)
	assert.Equal(t, 2, view.Summary.UniqueItems)
	assert.Equal(t, 3*25+50, view.Summary.TotalValue)
	require.Len(t, view.Summary.Groups, 2)
	assert.Equal(t, ItemTypeWeapon, view.Summary.Groups[0].Type)

	require.NoError(t, svc.Revoke(ctx, id, "Health Potion", 2))
	assert.ErrorIs(t, svc.Revoke(ctx, id, "Health Potion", 2), ErrInsufficientQuantity)
	require.NoError(t, svc.Revoke(ctx, id, "Health Potion", 1))
	assert.ErrorIs(t, svc.Revoke(ctx, id, "Health Potion", 1), ErrNotInInventory)
	require.Error(t, svc.Revoke(ctx, id, "Health Potion", 0))

	view, err = svc.Inventory(ctx, id)
	require.NoError(t, err)
	require.Len(t, view.Entries, 1)
	assert.Equal(t, "Iron Sword", view.Entries[0].Item.Name)
}

func TestInventoryService_EquipAndUnequip(t *testing.T) {
	t.Parallel()
	store := setupTestDB(t)
	ctx := context.Background()
	svc := NewInventoryService(store, nil)
	id := testIdentity(t, "")

	for _, name := range []string{"Iron Sword", "Health Potion"} {
		_, err := svc.Grant(ctx, id, name, 1)
		require.NoError(t, err)
	}

	item, err := svc.Equip(ctx, id, "iron sword")
	require.NoError(t, err)
	assert.Equal(t, "Iron Sword", item.Name)

	view, err := svc.Inventory(ctx, id)
	require.NoError(t, err)
	equipped := map[string]bool{}
	for _, e := range view.Entries {
		equipped[e.Item.Name] = e.Equipped
	}
	assert.Equal(t, map[string]bool{"Iron Sword": true, "Health Potion": false}, equipped)

	item, err = svc.Equip(ctx, id, "Health Potion")
	assert.ErrorIs(t, err, ErrNotEquippable)
	require.NotNil(t, item)
	assert.Equal(t, ItemTypeConsumable, item.Type)

	_, err = svc.Equip(ctx, id, "Leather Armor")
	assert.ErrorIs(t, err, ErrNotInInventory)
	_, err = svc.Equip(ctx, id, "Vorpal Blade")
	assert.ErrorIs(t, err, ErrItemNotFound)

	item, err = svc.Unequip(ctx, id, "Iron Sword")
	require.NoError(t, err)
	assert.Equal(t, "Iron Sword", item.Name)

	view, err = svc.Inventory(ctx, id)
	require.NoError(t, err)
	for _, e := range view.Entries {
		assert.False(t, e.Equipped, e.Item.Name)
	}

	_, err = svc.Unequip(ctx, id, "Leather Armor")
	assert.ErrorIs(t, err, ErrNotInInventory)
}
