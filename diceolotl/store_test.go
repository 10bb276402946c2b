package diceolotl

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// setupTestDB returns a [Store] backed by a migrated, seeded sqlite
// database in a temp directory
func setupTestDB(t testing.TB) Store {
	t.Helper()
	cfg := &DatabaseConfig{
		Type: dbTypeSQLite,
		DSN:  filepath.Join(t.TempDir(), "diceolotl_test.sqlite3"),
	}
	db, err := CreateDB(context.Background(), cfg, true)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		},
	)
	return NewDatabase(db, nil, false)
}

// testIdentity returns an identity named after the test, with the given
// suffix appended to the ID
func testIdentity(t testing.TB, suffix string) Identity {
	t.Helper()
	u := newDiscordUser(t)
	return Identity{
		DiscordID:   u.ID + suffix,
		Username:    u.Username + suffix,
		DisplayName: u.GlobalName + suffix,
	}
}

func mustGetItem(t testing.TB, store Store, name string) *Item {
	t.Helper()
	item, err := store.GetItemByName(context.Background(), name)
	require.NoError(t, err)
	return item
}

func TestStore_GetOrCreateUser(t *testing.T) {
	t.Parallel()
	store := setupTestDB(t)
	ctx := context.Background()
	id := testIdentity(t, "")

	_, err := store.GetUserByDiscordID(ctx, id.DiscordID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	user, created, err := store.GetOrCreateUser(ctx, id)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotZero(t, user.ID)
	assert.Equal(t, id.DiscordID, user.DiscordID)
	assert.Equal(t, id.Username, user.Username)
	assert.Equal(t, id.DisplayName, user.Name())
	assert.False(t, user.CreatedAt.IsZero())

	again, created, err := store.GetOrCreateUser(ctx, id)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, user.ID, again.ID)

	count, err := store.CountUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	_, _, err = store.GetOrCreateUser(ctx, Identity{Username: "nobody"})
	require.Error(t, err)
}

func TestStore_UpdateUser(t *testing.T) {
	t.Parallel()
	store := setupTestDB(t)
	ctx := context.Background()
	id := testIdentity(t, "")

	user, _, err := store.GetOrCreateUser(ctx, id)
	require.NoError(t, err)

	changed := Identity{DiscordID: id.DiscordID, Username: "renamed"}
	require.NoError(t, store.UpdateUser(ctx, user, changed))

	updated, err := store.GetUserByDiscordID(ctx, id.DiscordID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Username)
	assert.Nil(t, updated.DisplayName)
	assert.Equal(t, "renamed", updated.Name())
	assert.False(t, updated.identityChanged(changed))
}

func TestStore_PlayerProfile(t *testing.T) {
	t.Parallel()
	store := setupTestDB(t)
	ctx := context.Background()

	user, _, err := store.GetOrCreateUser(ctx, testIdentity(t, ""))
	require.NoError(t, err)

	profile, created, err := store.GetOrCreatePlayerProfile(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, user.ID, profile.UserID)
	assert.Equal(t, 1, profile.Level)
	assert.Equal(t, 100, profile.Gold)

	again, created, err := store.GetOrCreatePlayerProfile(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, profile.ID, again.ID)

	updated, err := store.UpdatePlayerProfile(
		ctx, user.ID, map[string]any{"gold": 150, "experience": 40},
	)
	require.NoError(t, err)
	assert.Equal(t, 150, updated.Gold)
	assert.Equal(t, 40, updated.Experience)
	assert.Equal(t, 1, updated.Level)

	for _, col := range []string{"id", "user_id", "created_at"} {
		_, err = store.UpdatePlayerProfile(ctx, user.ID, map[string]any{col: 1})
		require.Error(t, err, col)
	}

	_, err = store.UpdatePlayerProfile(ctx, user.ID+1000, map[string]any{"gold": 1})
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestStore_Items(t *testing.T) {
	t.Parallel()
	store := setupTestDB(t)
	ctx := context.Background()

	items, err := store.ListItems(ctx)
	require.NoError(t, err)
	names := make([]string, 0, len(items))
	for _, item := range items {
		names = append(names, item.Name)
	}
	assert.Equal(
		t,
		[]string{"Dragon Scale", "Health Potion", "Iron Sword", "Leather Armor"},
		names,
	)

	equippable, err := store.ListItems(ctx, ItemTypeWeapon, ItemTypeArmor)
	require.NoError(t, err)
	require.Len(t, equippable, 2)
	assert.Equal(t, "Iron Sword", equippable[0].Name)
	assert.Equal(t, "Leather Armor", equippable[1].Name)

	sword, err := store.GetItemByName(ctx, "iron SWORD")
	require.NoError(t, err)
	assert.Equal(t, "Iron Sword", sword.Name)
	assert.Equal(t, ItemTypeWeapon, sword.Type)
	assert.Equal(t, RarityCommon, sword.Rarity)
	assert.Equal(t, 50, sword.Value)
	assert.EqualValues(t, 15, sword.Stats["attack"])

	byID, err := store.GetItem(ctx, sword.ID)
	require.NoError(t, err)
	assert.Equal(t, sword.Name, byID.Name)

	_, err = store.GetItemByName(ctx, "Vorpal Blade")
	assert.ErrorIs(t, err, ErrItemNotFound)
	_, err = store.GetItem(ctx, 9999)
	assert.ErrorIs(t, err, ErrItemNotFound)

	scale := mustGetItem(t, store, "Dragon Scale")
	assert.Equal(t, RarityLegendary, scale.Rarity)
	assert.NotNil(t, scale.Stats)
	assert.Empty(t, scale.Stats)
}

func TestStore_AddAndRemoveInventory(t *testing.T) {
	t.Parallel()
	store := setupTestDB(t)
	ctx := context.Background()

	user, _, err := store.GetOrCreateUser(ctx, testIdentity(t, ""))
	require.NoError(t, err)
	potion := mustGetItem(t, store, "Health Potion")

	entry, err := store.AddItemToInventory(ctx, user.ID, potion.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, entry.Quantity)
	require.NotNil(t, entry.Item)
	assert.Equal(t, "Health Potion", entry.Item.Name)

	entry, err = store.AddItemToInventory(ctx, user.ID, potion.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, entry.Quantity)

	_, err = store.AddItemToInventory(ctx, user.ID, potion.ID, 0)
	require.Error(t, err)

	err = store.RemoveItemFromInventory(ctx, user.ID, potion.ID, 6)
	assert.ErrorIs(t, err, ErrInsufficientQuantity)

	require.NoError(t, store.RemoveItemFromInventory(ctx, user.ID, potion.ID, 4))
	entries, err := store.GetPlayerInventory(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Quantity)

	// the entry is removed once the quantity reaches zero
	require.NoError(t, store.RemoveItemFromInventory(ctx, user.ID, potion.ID, 1))
	entries, err = store.GetPlayerInventory(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)

	err = store.RemoveItemFromInventory(ctx, user.ID, potion.ID, 1)
	assert.ErrorIs(t, err, ErrNotInInventory)
	_, err = store.AddItemToInventory(ctx, user.ID, potion.ID, -1)
	require.Error(t, err)
	err = store.RemoveItemFromInventory(ctx, user.ID, potion.ID, 0)
	require.Error(t, err)
}

func TestStore_GetPlayerInventoryOrder(t *testing.T) {
	t.Parallel()
	store := setupTestDB(t)
	ctx := context.Background()

	user, _, err := store.GetOrCreateUser(ctx, testIdentity(t, ""))
	require.NoError(t, err)
	other, _, err := store.GetOrCreateUser(ctx, testIdentity(t, "_other"))
	require.NoError(t, err)

	for _, name := range []string{"Iron Sword", "Dragon Scale", "Health Potion", "Leather Armor"} {
		_, err = store.AddItemToInventory(ctx, user.ID, mustGetItem(t, store, name).ID, 1)
		require.NoError(t, err)
	}
	_, err = store.AddItemToInventory(ctx, other.ID, mustGetItem(t, store, "Iron Sword").ID, 1)
	require.NoError(t, err)

	entries, err := store.GetPlayerInventory(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	var types []ItemType
	for _, e := range entries {
		require.NotNil(t, e.Item)
		assert.Equal(t, user.ID, e.UserID)
		types = append(types, e.Item.Type)
	}
	assert.Equal(
		t,
		[]ItemType{ItemTypeArmor, ItemTypeConsumable, ItemTypeMisc, ItemTypeWeapon},
		types,
	)
}

func TestStore_EquipIsExclusivePerType(t *testing.T) {
	t.Parallel()
	store := setupTestDB(t)
	ctx := context.Background()

	steel := &Item{Name: "Steel Sword", Type: ItemTypeWeapon, Rarity: RarityUncommon, Value: 120}
	require.NoError(t, store.DB().Create(steel).Error)

	user, _, err := store.GetOrCreateUser(ctx, testIdentity(t, ""))
	require.NoError(t, err)
	iron := mustGetItem(t, store, "Iron Sword")
	armor := mustGetItem(t, store, "Leather Armor")
	for _, item := range []*Item{iron, steel, armor} {
		_, err = store.AddItemToInventory(ctx, user.ID, item.ID, 1)
		require.NoError(t, err)
	}

	equipped := func() map[string]bool {
		entries, e := store.GetPlayerInventory(ctx, user.ID)
		require.NoError(t, e)
		rv := map[string]bool{}
		for _, entry := range entries {
			rv[entry.Item.Name] = entry.Equipped
		}
		return rv
	}

	require.NoError(t, store.EquipItem(ctx, user.ID, iron.ID))
	require.NoError(t, store.EquipItem(ctx, user.ID, armor.ID))
	assert.Equal(
		t,
		map[string]bool{"Iron Sword": true, "Steel Sword": false, "Leather Armor": true},
		equipped(),
	)

	require.NoError(t, store.EquipItem(ctx, user.ID, steel.ID))
	assert.Equal(
		t,
		map[string]bool{"Iron Sword": false, "Steel Sword": true, "Leather Armor": true},
		equipped(),
	)

	require.NoError(t, store.UnequipItem(ctx, user.ID, steel.ID))
	assert.Equal(
		t,
		map[string]bool{"Iron Sword": false, "Steel Sword": false, "Leather Armor": true},
		equipped(),
	)

	potion := mustGetItem(t, store, "Health Potion")
	assert.ErrorIs(t, store.EquipItem(ctx, user.ID, potion.ID), ErrNotInInventory)
	assert.ErrorIs(t, store.UnequipItem(ctx, user.ID, potion.ID), ErrNotInInventory)
}

func TestStore_Ping(t *testing.T) {
	t.Parallel()
	store := setupTestDB(t)
	require.NoError(t, store.Ping(context.Background()))
}

func TestSeedItems_Idempotent(t *testing.T) {
	t.Parallel()
	store := setupTestDB(t)
	ctx := context.Background()

	inserted, err := SeedItems(ctx, store.DB())
	require.NoError(t, err)
	assert.Equal(t, int64(0), inserted)

	items, err := store.ListItems(ctx)
	require.NoError(t, err)
	assert.Len(t, items, len(sampleItems()))
}

func TestResetDB(t *testing.T) {
	t.Parallel()
	store := setupTestDB(t)
	ctx := context.Background()

	user, _, err := store.GetOrCreateUser(ctx, testIdentity(t, ""))
	require.NoError(t, err)
	_, _, err = store.GetOrCreatePlayerProfile(ctx, user.ID)
	require.NoError(t, err)

	require.NoError(t, ResetDB(ctx, store.DB(), false))
	count, err := store.CountUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
	items, err := store.ListItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)

	require.NoError(t, ResetDB(ctx, store.DB(), true))
	items, err = store.ListItems(ctx)
	require.NoError(t, err)
	assert.Len(t, items, len(sampleItems()))
}

func TestCheckConnection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := &DatabaseConfig{
		Type: dbTypeSQLite,
		DSN:  filepath.Join(t.TempDir(), "check.sqlite3"),
	}
	db, err := CreateDB(ctx, cfg, false)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	status, err := CheckConnection(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, dbTypeSQLite, status.Type)
	assert.False(t, status.ServerTime.IsZero())
	assert.Subset(
		t,
		status.Tables,
		[]string{"users", "player_profiles", "items", "player_inventory"},
	)

	_, err = CheckConnection(ctx, &DatabaseConfig{Type: "mysql"})
	require.Error(t, err)
}

func TestOpenDB_UnsupportedType(t *testing.T) {
	t.Parallel()
	_, err := OpenDB(context.Background(), &DatabaseConfig{Type: "mysql", DSN: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database type")
}

func TestSQLiteDSN(t *testing.T) {
	t.Parallel()
	assert.Equal(t, ":memory:", sqliteDSN(":memory:"))
	assert.Equal(t, "a.db?"+sqliteDSNParams, sqliteDSN("a.db"))
	assert.Equal(t, "a.db?cache=shared&"+sqliteDSNParams, sqliteDSN("a.db?cache=shared"))
}
