package models

import "errors"

// ErrNotFound indicates a requested record does not exist in any store.
var ErrNotFound = errors.New("record not found")

// ErrDuplicate indicates a record with the same identity already exists.
var ErrDuplicate = errors.New("record already exists")
