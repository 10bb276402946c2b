package cmd

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/Bonsailinse/dice-o-lotl/diceolotl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// setupSQLiteEnv points the database config at a sqlite file in a temp
// directory, returning the file path
func setupSQLiteEnv(t testing.TB) string {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.sqlite3")
	t.Setenv("DICE_DATABASE_TYPE", "sqlite")
	t.Setenv("DICE_DATABASE_DSN", dbPath)
	return dbPath
}

func openTestDB(t testing.TB, dbPath string) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { closeDB(db) })
	return db
}

func TestInitCommand(t *testing.T) {
	resetCommandState(t)
	dbPath := setupSQLiteEnv(t)

	output, err := executeCommand(t, "init")
	require.NoError(t, err)
	assert.Contains(t, output, "4 items available")
	assert.Contains(t, output, "Initialization complete")

	db := openTestDB(t, dbPath)
	var names []string
	require.NoError(t, db.Model(&diceolotl.Item{}).Order("name").Pluck("name", &names).Error)
	assert.Equal(
		t,
		[]string{"Dragon Scale", "Health Potion", "Iron Sword", "Leather Armor"},
		names,
	)

	// seeding is idempotent
	output, err = executeCommand(t, "init")
	require.NoError(t, err)
	assert.Contains(t, output, "4 items available")
}

func TestInitCommandNoSeed(t *testing.T) {
	resetCommandState(t)
	setupSQLiteEnv(t)

	output, err := executeCommand(t, "init", "--no-seed")
	require.NoError(t, err)
	assert.Contains(t, output, "0 items available")
}

func TestDBCheckCommand(t *testing.T) {
	resetCommandState(t)
	setupSQLiteEnv(t)

	_, err := executeCommand(t, "init")
	require.NoError(t, err)

	output, err := executeCommand(t, "db", "check")
	require.NoError(t, err)
	assert.Contains(t, output, "Connected to sqlite database")
	for _, table := range []string{"users", "player_profiles", "items", "player_inventory"} {
		assert.Contains(t, output, table)
	}
}

func TestDBResetCommand(t *testing.T) {
	resetCommandState(t)
	dbPath := setupSQLiteEnv(t)

	_, err := executeCommand(t, "init")
	require.NoError(t, err)
	_, err = executeCommand(t, "db", "grant", "1001", "Iron Sword")
	require.NoError(t, err)

	t.Run(
		"refuses without a terminal", func(t *testing.T) {
			_, err := executeCommand(t, "db", "reset")
			require.Error(t, err)
			assert.ErrorContains(t, err, "--yes")
		},
	)

	t.Run(
		"aborts without confirmation", func(t *testing.T) {
			isTerminal = func() bool { return true }
			t.Cleanup(func() { isTerminal = func() bool { return false } })
			rootCmd.SetIn(strings.NewReader("no\n"))

			output, err := executeCommand(t, "db", "reset")
			require.NoError(t, err)
			assert.Contains(t, output, "Aborted.")

			db := openTestDB(t, dbPath)
			var users int64
			require.NoError(t, db.Model(&diceolotl.User{}).Count(&users).Error)
			assert.Equal(t, int64(1), users)
		},
	)

	t.Run(
		"resets with --yes", func(t *testing.T) {
			output, err := executeCommand(t, "db", "reset", "--yes")
			require.NoError(t, err)
			assert.Contains(t, output, "Database reset.")

			db := openTestDB(t, dbPath)
			var users, items int64
			require.NoError(t, db.Model(&diceolotl.User{}).Count(&users).Error)
			require.NoError(t, db.Model(&diceolotl.Item{}).Count(&items).Error)
			assert.Equal(t, int64(0), users)
			assert.Equal(t, int64(4), items)
		},
	)
}

func TestDBGrantRevokeCommands(t *testing.T) {
	resetCommandState(t)
	dbPath := setupSQLiteEnv(t)

	_, err := executeCommand(t, "init")
	require.NoError(t, err)

	output, err := executeCommand(
		t, "db", "grant", "1001", "Health Potion",
		"--quantity", "3", "--username", "axolotl",
	)
	require.NoError(t, err)
	assert.Contains(t, output, "Granted 3 x Health Potion to 1001 (now 3)")

	db := openTestDB(t, dbPath)
	var user diceolotl.User
	require.NoError(t, db.Where("discord_id = ?", "1001").First(&user).Error)
	assert.Equal(t, "axolotl", user.Username)

	output, err = executeCommand(t, "db", "revoke", "1001", "Health Potion", "--quantity", "2")
	require.NoError(t, err)
	assert.Contains(t, output, "Revoked 2 x Health Potion from 1001")

	var entry diceolotl.InventoryEntry
	require.NoError(t, db.Where("user_id = ?", user.ID).First(&entry).Error)
	assert.Equal(t, 1, entry.Quantity)

	_, err = executeCommand(t, "db", "revoke", "1001", "Health Potion", "--quantity", "5")
	require.Error(t, err)
	assert.ErrorIs(t, err, diceolotl.ErrInsufficientQuantity)

	_, err = executeCommand(t, "db", "grant", "1001", "Excalibur", "--quantity", "1")
	require.Error(t, err)
	assert.ErrorIs(t, err, diceolotl.ErrItemNotFound)
}
