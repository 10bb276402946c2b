package diceolotl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	sqliteMaxOpenConns = 1
	sqliteMaxIdleConns = 1
	sqliteDSNParams    = "_foreign_keys=1&_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	sqliteExecPragma   = []string{
		"pragma temp_store = memory;",
	}
)

// models are migrated in dependency order, and dropped in reverse
var models = []any{
	&User{},
	&PlayerProfile{},
	&Item{},
	&InventoryEntry{},
}

// updatedAtTables have their updated_at column maintained by a trigger
var updatedAtTables = []string{"users", "player_profiles"}

const postgresUpdatedAtFunc = `CREATE OR REPLACE FUNCTION update_updated_at_column()
RETURNS TRIGGER AS $$
BEGIN
  NEW.updated_at = CURRENT_TIMESTAMP;
  RETURN NEW;
END;
$$ language 'plpgsql'`

func postgresUpdatedAtTrigger(table string) []string {
	name := fmt.Sprintf("update_%s_updated_at", table)
	return []string{
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", name, table),
		fmt.Sprintf(
			"CREATE TRIGGER %s BEFORE UPDATE ON %s "+
				"FOR EACH ROW EXECUTE FUNCTION update_updated_at_column()",
			name, table,
		),
	}
}

// sqliteUpdatedAtTrigger only fires when the update didn't already
// change updated_at, so it doesn't fight gorm's autoUpdateTime
func sqliteUpdatedAtTrigger(table string) string {
	return fmt.Sprintf(
		`CREATE TRIGGER IF NOT EXISTS update_%[1]s_updated_at
AFTER UPDATE ON %[1]s
FOR EACH ROW WHEN NEW.updated_at = OLD.updated_at
BEGIN
  UPDATE %[1]s SET updated_at = CURRENT_TIMESTAMP WHERE id = NEW.id;
END`,
		table,
	)
}

// OpenDB opens a gorm connection for the given config and applies the
// connection pool settings. It doesn't migrate.
func OpenDB(ctx context.Context, cfg *DatabaseConfig) (*gorm.DB, error) {
	level := cfg.LogLevel
	if level == nil {
		level = &slog.LevelVar{}
		level.Set(DefaultDatabaseLogLevel)
	}
	gormLogger := newGORMLogger(newLogHandler(defaultLogWriter, level), cfg.SlowThreshold)

	db, err := getDB(cfg.Type, cfg.ConnectionString(), gormLogger)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("error getting database connection: %w", err)
	}

	switch cfg.Type {
	case dbTypeSQLite:
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		pragmaErrors := make([]error, 0, len(sqliteExecPragma))
		for _, p := range sqliteExecPragma {
			pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
		}
		if pragmaErr := errors.Join(pragmaErrors...); pragmaErr != nil {
			return nil, pragmaErr
		}
	case dbTypePostgres:
		if cfg.MaxConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxConns)
		}
		if cfg.IdleTimeout > 0 {
			sqlDB.SetConnMaxIdleTime(cfg.IdleTimeout)
		}
	}
	return db, nil
}

// CreateDB opens the database, runs migrations and, if seed is true,
// inserts the sample items.
func CreateDB(ctx context.Context, cfg *DatabaseConfig, seed bool) (*gorm.DB, error) {
	logger := contextLoggerOr(ctx, nil)
	logger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", cfg.Type,
		"database", cfg.redactedConnectionString(),
	)

	db, err := OpenDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err = Migrate(ctx, db); err != nil {
		return db, err
	}
	if seed {
		if _, err = SeedItems(ctx, db); err != nil {
			return db, err
		}
	}
	return db, nil
}

// Migrate creates or updates the schema and installs the updated_at
// triggers
func Migrate(ctx context.Context, db *gorm.DB) error {
	logger := contextLoggerOr(ctx, nil)
	logger.DebugContext(ctx, "migrating database...")

	err := db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			if err := tx.Migrator().AutoMigrate(models...); err != nil {
				return err
			}
			return installTriggers(tx)
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error migrating database", tint.Err(err))
		return fmt.Errorf("error migrating database: %w", err)
	}
	logger.DebugContext(ctx, "finished migrating database")
	return nil
}

func installTriggers(tx *gorm.DB) error {
	var statements []string
	switch tx.Dialector.Name() {
	case dbTypePostgres:
		statements = append(statements, postgresUpdatedAtFunc)
		for _, table := range updatedAtTables {
			statements = append(statements, postgresUpdatedAtTrigger(table)...)
		}
	case dbTypeSQLite:
		for _, table := range updatedAtTables {
			statements = append(statements, sqliteUpdatedAtTrigger(table))
		}
	default:
		return nil
	}
	for _, stmt := range statements {
		if err := tx.Exec(stmt).Error; err != nil {
			return fmt.Errorf("error installing trigger: %w", err)
		}
	}
	return nil
}

// SeedItems inserts the sample items, skipping any that already exist.
// Returns the number of items inserted.
func SeedItems(ctx context.Context, db *gorm.DB) (int64, error) {
	items := sampleItems()
	rv := db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoNothing: true,
		},
	).Create(&items)
	if rv.Error != nil {
		return 0, fmt.Errorf("error inserting sample items: %w", rv.Error)
	}
	contextLoggerOr(ctx, nil).InfoContext(
		ctx, "inserted sample items", "inserted", rv.RowsAffected,
	)
	return rv.RowsAffected, nil
}

// ResetDB drops every table and recreates the schema. All data is lost.
func ResetDB(ctx context.Context, db *gorm.DB, seed bool) error {
	logger := contextLoggerOr(ctx, nil)
	logger.WarnContext(ctx, "dropping all tables")

	mg := db.WithContext(ctx).Migrator()
	for i := len(models) - 1; i >= 0; i-- {
		if err := mg.DropTable(models[i]); err != nil {
			return fmt.Errorf("error dropping table: %w", err)
		}
	}
	if err := Migrate(ctx, db); err != nil {
		return err
	}
	if seed {
		if _, err := SeedItems(ctx, db); err != nil {
			return err
		}
	}
	return nil
}

// ConnectionStatus is the result of a database connectivity check
type ConnectionStatus struct {
	Type       string        `json:"type"`
	ServerTime time.Time     `json:"server_time"`
	Latency    time.Duration `json:"latency"`
	Tables     []string      `json:"tables,omitempty"`
}

// CheckConnection connects to the configured database, queries the
// server time and lists which tables exist. For postgres, the check uses
// a pgx pool configured like the bot's own pool.
func CheckConnection(ctx context.Context, cfg *DatabaseConfig) (*ConnectionStatus, error) {
	status := &ConnectionStatus{Type: cfg.Type}
	start := time.Now()

	switch cfg.Type {
	case dbTypePostgres:
		pool, err := newPostgresPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		defer pool.Close()

		if err = pool.QueryRow(ctx, "SELECT NOW()").Scan(&status.ServerTime); err != nil {
			return nil, fmt.Errorf("error querying server time: %w", err)
		}
		status.Latency = time.Since(start)

		rows, err := pool.Query(
			ctx,
			"SELECT table_name FROM information_schema.tables "+
				"WHERE table_schema = 'public' ORDER BY table_name",
		)
		if err != nil {
			return status, fmt.Errorf("error listing tables: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			if err = rows.Scan(&name); err != nil {
				return status, err
			}
			status.Tables = append(status.Tables, name)
		}
		return status, rows.Err()
	case dbTypeSQLite:
		db, err := OpenDB(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if sqlDB, e := db.DB(); e == nil {
			defer func() { _ = sqlDB.Close() }()
		}

		var now string
		if err = db.WithContext(ctx).Raw("SELECT datetime('now')").Scan(&now).Error; err != nil {
			return nil, fmt.Errorf("error querying server time: %w", err)
		}
		status.Latency = time.Since(start)
		if t, e := time.Parse(time.DateTime, now); e == nil {
			status.ServerTime = t
		}
		status.Tables, err = db.WithContext(ctx).Migrator().GetTables()
		return status, err
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
}

func newPostgresPool(ctx context.Context, cfg *DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("error parsing database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.IdleTimeout > 0 {
		poolConfig.MaxConnIdleTime = cfg.IdleTimeout
	}
	if cfg.ConnectTimeout > 0 {
		poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("error creating connection pool: %w", err)
	}
	return pool, nil
}

// sqliteDSN appends the connection parameters that must be set on every
// connection (foreign keys, WAL) to a sqlite file path
func sqliteDSN(path string) string {
	if path == ":memory:" || strings.HasPrefix(path, "file::memory:") {
		return path
	}
	if strings.Contains(path, "?") {
		return path + "&" + sqliteDSNParams
	}
	return path + "?" + sqliteDSNParams
}

// getDB opens a gorm connection. databaseType must be 'sqlite' or
// 'postgres', and database is the connection string or SQLite file path.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		path, _, _ := strings.Cut(database, "?")
		parentDir := filepath.Dir(path)
		if parentDir != "" && !strings.HasPrefix(path, "file:") && path != ":memory:" {
			if err := os.MkdirAll(parentDir, 0o755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(sqliteDSN(database)), gormConfig)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
