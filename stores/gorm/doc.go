//go:build !wasm
// +build !wasm

// Package gorm provides a GORM-based Persistence for authsession.
// It supports any database that GORM supports (PostgreSQL, MySQL, SQLite, etc.)
// and suits deployments where several client processes share one session record.
//
// # Database Schema
//
// The package auto-migrates one table:
//   - authsession_entries: entry_key, entry_value and updated_at
//
// # Usage
//
//	db, _ := gorm.Open(postgres.Open(dsn), &gorm.Config{})
//	store, _ := gormstore.NewStore(db)
//	session := authsession.New(store)
package gorm
