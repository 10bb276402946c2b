package diceolotl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var dbOperationTimeout = 30 * time.Second

// Store is the persistence interface used by the domain services
type Store interface {
	// GetUserByDiscordID returns the user with the given Discord ID.
	// The error wraps gorm.ErrRecordNotFound if there is no such user.
	GetUserByDiscordID(ctx context.Context, discordID string) (*User, error)

	// GetOrCreateUser returns the user matching the identity's Discord ID,
	// creating it if it doesn't exist. The boolean is true if the user
	// was created.
	GetOrCreateUser(ctx context.Context, id Identity) (*User, bool, error)

	// UpdateUser sets the username and display name of an existing user
	UpdateUser(ctx context.Context, user *User, id Identity) error

	CountUsers(ctx context.Context) (int64, error)

	// GetOrCreatePlayerProfile returns the profile for the given user ID,
	// creating one with default attributes if it doesn't exist.
	GetOrCreatePlayerProfile(ctx context.Context, userID uint) (*PlayerProfile, bool, error)

	// UpdatePlayerProfile applies the given column updates to the
	// user's profile
	UpdatePlayerProfile(ctx context.Context, userID uint, updates map[string]any) (*PlayerProfile, error)

	GetItem(ctx context.Context, itemID uint) (*Item, error)

	// GetItemByName finds an item by case-insensitive name. Returns
	// ErrItemNotFound if there's no match.
	GetItemByName(ctx context.Context, name string) (*Item, error)

	// ListItems returns all items, optionally restricted to the given types,
	// ordered by name
	ListItems(ctx context.Context, types ...ItemType) ([]Item, error)

	// GetPlayerInventory returns the user's inventory with items
	// loaded, ordered by item type and name
	GetPlayerInventory(ctx context.Context, userID uint) ([]InventoryEntry, error)

	// AddItemToInventory adds quantity to the user's entry for the item,
	// creating the entry if needed
	AddItemToInventory(ctx context.Context, userID, itemID uint, quantity int) (*InventoryEntry, error)

	// RemoveItemFromInventory subtracts quantity from the user's entry for
	// the item, deleting the entry once it reaches zero. Returns
	// ErrNotInInventory or ErrInsufficientQuantity.
	RemoveItemFromInventory(ctx context.Context, userID, itemID uint, quantity int) error

	// EquipItem equips the item, and unequips any other item of the
	// same type in the user's inventory
	EquipItem(ctx context.Context, userID, itemID uint) error

	UnequipItem(ctx context.Context, userID, itemID uint) error

	// Ping checks the database connection
	Ping(ctx context.Context) error

	DB() *gorm.DB
}

// database implements [Store] with gorm.
//
// SQLite only allows one writer at a time, so unless
// enableConcurrentWrites is set (postgres), writes are serialized with mu.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase returns a [Store] backed by the given gorm connection.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) Store {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "store"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) lock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Lock()
}

func (d *database) unlock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Unlock()
}

// withTimeout applies dbOperationTimeout if ctx doesn't already have
// a deadline
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

// read returns a session bound to ctx with the operation timeout
func (d *database) read(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	ctx, cancel := withTimeout(ctx)
	return d.db.WithContext(ctx), cancel
}

// transaction runs fc in a transaction, holding the write lock
func (d *database) transaction(ctx context.Context, fc func(tx *gorm.DB) error) error {
	d.lock()
	defer d.unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return d.db.WithContext(ctx).Transaction(fc)
}

func (d *database) Ping(ctx context.Context) error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

func (d *database) GetUserByDiscordID(ctx context.Context, discordID string) (
	*User,
	error,
) {
	db, cancel := d.read(ctx)
	defer cancel()

	var user User
	if err := db.Where(columnUserDiscordID+" = ?", discordID).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (d *database) GetOrCreateUser(ctx context.Context, id Identity) (
	*User,
	bool,
	error,
) {
	if id.DiscordID == "" {
		return nil, false, errors.New("missing discord id")
	}

	user, err := d.GetUserByDiscordID(ctx, id.DiscordID)
	switch {
	case err == nil:
		return user, false, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, false, err
	}

	user = newUser(id)
	var created bool
	err = d.transaction(
		ctx, func(tx *gorm.DB) error {
			rv := tx.Clauses(
				clause.OnConflict{
					Columns:   []clause.Column{{Name: columnUserDiscordID}},
					DoNothing: true,
				},
			).Create(user)
			if rv.Error != nil {
				return rv.Error
			}
			created = rv.RowsAffected > 0
			// another interaction may have created the user first
			var existing User
			if e := tx.Where(columnUserDiscordID+" = ?", id.DiscordID).First(&existing).Error; e != nil {
				return e
			}
			*user = existing
			return nil
		},
	)
	if err != nil {
		return nil, false, err
	}
	if created {
		d.logger.InfoContext(ctx, "created user", "user", user)
	}
	return user, created, nil
}

func (d *database) UpdateUser(ctx context.Context, user *User, id Identity) error {
	return d.transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Model(user).Updates(
				map[string]any{
					columnUserUsername:    id.Username,
					columnUserDisplayName: stringPointer(id.DisplayName),
				},
			).Error
		},
	)
}

func (d *database) CountUsers(ctx context.Context) (int64, error) {
	db, cancel := d.read(ctx)
	defer cancel()
	var count int64
	err := db.Model(&User{}).Count(&count).Error
	return count, err
}

func (d *database) GetOrCreatePlayerProfile(ctx context.Context, userID uint) (
	*PlayerProfile,
	bool,
	error,
) {
	db, cancel := d.read(ctx)
	var profile PlayerProfile
	err := db.Where("user_id = ?", userID).First(&profile).Error
	cancel()
	switch {
	case err == nil:
		return &profile, false, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, false, err
	}

	newProfile := newPlayerProfile(userID)
	var created bool
	err = d.transaction(
		ctx, func(tx *gorm.DB) error {
			rv := tx.Clauses(
				clause.OnConflict{
					Columns:   []clause.Column{{Name: "user_id"}},
					DoNothing: true,
				},
			).Create(newProfile)
			if rv.Error != nil {
				return rv.Error
			}
			created = rv.RowsAffected > 0
			var existing PlayerProfile
			if e := tx.Where("user_id = ?", userID).First(&existing).Error; e != nil {
				return e
			}
			*newProfile = existing
			return nil
		},
	)
	if err != nil {
		return nil, false, err
	}
	return newProfile, created, nil
}

func (d *database) UpdatePlayerProfile(
	ctx context.Context,
	userID uint,
	updates map[string]any,
) (*PlayerProfile, error) {
	for _, col := range []string{"id", "user_id", "created_at"} {
		if _, ok := updates[col]; ok {
			return nil, fmt.Errorf("column %q can't be updated", col)
		}
	}

	var profile PlayerProfile
	err := d.transaction(
		ctx, func(tx *gorm.DB) error {
			rv := tx.Model(&PlayerProfile{}).Where("user_id = ?", userID).Updates(updates)
			if rv.Error != nil {
				return rv.Error
			}
			if rv.RowsAffected == 0 {
				return gorm.ErrRecordNotFound
			}
			return tx.Where("user_id = ?", userID).First(&profile).Error
		},
	)
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

func (d *database) GetItem(ctx context.Context, itemID uint) (*Item, error) {
	db, cancel := d.read(ctx)
	defer cancel()
	var item Item
	if err := db.First(&item, itemID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("item #%d: %w", itemID, ErrItemNotFound)
		}
		return nil, err
	}
	return &item, nil
}

func (d *database) GetItemByName(ctx context.Context, name string) (*Item, error) {
	db, cancel := d.read(ctx)
	defer cancel()
	var item Item
	if err := db.Where("LOWER(name) = LOWER(?)", name).First(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%q: %w", name, ErrItemNotFound)
		}
		return nil, err
	}
	return &item, nil
}

func (d *database) ListItems(ctx context.Context, types ...ItemType) ([]Item, error) {
	db, cancel := d.read(ctx)
	defer cancel()
	var items []Item
	q := db.Order("name")
	if len(types) > 0 {
		q = q.Where("type IN ?", types)
	}
	err := q.Find(&items).Error
	return items, err
}

func (d *database) GetPlayerInventory(ctx context.Context, userID uint) (
	[]InventoryEntry,
	error,
) {
	db, cancel := d.read(ctx)
	defer cancel()

	var entries []InventoryEntry
	err := db.Joins("Item").
		Where("player_inventory.user_id = ?", userID).
		Order(
			clause.OrderBy{
				Columns: []clause.OrderByColumn{
					{Column: clause.Column{Table: "Item", Name: "type"}},
					{Column: clause.Column{Table: "Item", Name: "name"}},
				},
			},
		).
		Find(&entries).Error
	return entries, err
}

func (d *database) AddItemToInventory(
	ctx context.Context,
	userID, itemID uint,
	quantity int,
) (*InventoryEntry, error) {
	if quantity < 1 {
		return nil, fmt.Errorf("invalid quantity: %d", quantity)
	}
	entry := &InventoryEntry{UserID: userID, ItemID: itemID, Quantity: quantity}
	err := d.transaction(
		ctx, func(tx *gorm.DB) error {
			err := tx.Clauses(
				clause.OnConflict{
					Columns: []clause.Column{{Name: "user_id"}, {Name: "item_id"}},
					DoUpdates: clause.Assignments(
						map[string]any{
							"quantity": gorm.Expr("player_inventory.quantity + ?", quantity),
						},
					),
				},
			).Omit("User", "Item").Create(entry).Error
			if err != nil {
				return err
			}
			*entry = InventoryEntry{}
			return tx.Preload("Item").
				Where("user_id = ? AND item_id = ?", userID, itemID).
				First(entry).Error
		},
	)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (d *database) RemoveItemFromInventory(
	ctx context.Context,
	userID, itemID uint,
	quantity int,
) error {
	if quantity < 1 {
		return fmt.Errorf("invalid quantity: %d", quantity)
	}
	return d.transaction(
		ctx, func(tx *gorm.DB) error {
			var entry InventoryEntry
			err := tx.Where("user_id = ? AND item_id = ?", userID, itemID).First(&entry).Error
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrNotInInventory
				}
				return err
			}
			if entry.Quantity < quantity {
				return fmt.Errorf(
					"have %d, need %d: %w",
					entry.Quantity, quantity, ErrInsufficientQuantity,
				)
			}
			if entry.Quantity == quantity {
				return tx.Delete(&entry).Error
			}
			return tx.Model(&entry).Update(
				"quantity",
				gorm.Expr("quantity - ?", quantity),
			).Error
		},
	)
}

func (d *database) EquipItem(ctx context.Context, userID, itemID uint) error {
	return d.transaction(
		ctx, func(tx *gorm.DB) error {
			var entry InventoryEntry
			err := tx.Joins("Item").
				Where(
					"player_inventory.user_id = ? AND player_inventory.item_id = ?",
					userID, itemID,
				).
				First(&entry).Error
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrNotInInventory
				}
				return err
			}

			sameType := tx.Model(&Item{}).Select("id").Where("type = ?", entry.Item.Type)
			err = tx.Model(&InventoryEntry{}).
				Where("user_id = ? AND equipped = ? AND item_id IN (?)", userID, true, sameType).
				Update("equipped", false).Error
			if err != nil {
				return err
			}
			return tx.Model(&InventoryEntry{}).
				Where("id = ?", entry.ID).
				Update("equipped", true).Error
		},
	)
}

func (d *database) UnequipItem(ctx context.Context, userID, itemID uint) error {
	return d.transaction(
		ctx, func(tx *gorm.DB) error {
			rv := tx.Model(&InventoryEntry{}).
				Where("user_id = ? AND item_id = ?", userID, itemID).
				Update("equipped", false)
			if rv.Error != nil {
				return rv.Error
			}
			if rv.RowsAffected == 0 {
				return ErrNotInInventory
			}
			return nil
		},
	)
}
