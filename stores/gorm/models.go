//go:build !wasm
// +build !wasm

package gorm

import (
	"time"
)

// EntryModel is the GORM model for a persisted session value
type EntryModel struct {
	Key       string    `gorm:"column:entry_key;primaryKey;size:255"`
	Value     []byte    `gorm:"column:entry_value;not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (EntryModel) TableName() string {
	return "authsession_entries"
}
