package gorm

import (
	"gorm.io/gorm"
)

// WithTransaction executes fn within a single database transaction,
// rolling back on error.
func WithTransaction(db *gorm.DB, fn func(*gorm.DB) error) error {
	return db.Transaction(func(tx *gorm.DB) error {
		return fn(tx)
	})
}

// transact runs fn against a FetchStore bound to one transaction, so a
// read-modify-write pair (e.g. FirstOrInit followed by Save) can't
// interleave with a concurrent writer on the same primary key.
func (s *FetchStore) transact(fn func(*FetchStore) error) error {
	return WithTransaction(s.db, func(tx *gorm.DB) error {
		return fn(&FetchStore{db: tx})
	})
}
