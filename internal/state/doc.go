// Package state provides filesystem-backed storage implementations.
package state

import "github.com/user/gopherchef/internal/types"

// Compile-time interface compliance checks.
var _ types.ChatStore = (*ChatStore)(nil)
var _ types.EventStore = (*JournalStore)(nil)
var _ types.BlobStore = (*BlobStore)(nil)
