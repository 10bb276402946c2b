// Package diceolotl implements Dice-o-lotl, a Discord bot with RPG
// character profiles and inventories backed by a relational database.
//
// The bot is built around a small dispatch pipeline:
//
//   - CommandRegistry: loads command modules from a directory tree of
//     manifests (one subdirectory per category) and validates them.
//   - CommandRegistrar: reconciles the registry with Discord using a
//     full-replace bulk overwrite, scoped to a guild when one is configured.
//   - EventDispatcher: loads event modules and subscribes them to the
//     gateway session, either once or for every occurrence.
//   - CommandRouter: dispatches slash command interactions to the matching
//     command handler, and reports handler failures back to the user.
//
// Domain logic lives in ProfileService, InventoryService and
// UserSyncService, which use a Store (gorm, on either PostgreSQL or
// SQLite) for persistence.
//
// Module manifests are YAML in development and JSON (built with
// `diceolotl modules build`) in production. Development mode reads
// manifests from disk on every load, so /api/commands/reload picks up
// edits without a restart.
package diceolotl
