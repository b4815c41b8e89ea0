package store

import (
	"errors"

	"gorm.io/gorm"

	"leadpilot/engine"
)

// Store is the GORM-backed implementation of every engine store interface.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// wrapNotFound maps gorm's record-not-found onto the engine error so
// callers never need to import gorm.
func wrapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return engine.ErrNotFound
	}
	return err
}
