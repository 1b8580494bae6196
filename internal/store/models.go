package store

import (
	"encoding/json"
	"time"
)

// Channel is one issued channel id together with its mapping kind flag.
type Channel struct {
	ID    string
	Group bool
}

// StateRecord is one key/value pair inside a channel's state collection.
// Value is opaque structured data; the store never inspects it.
type StateRecord struct {
	Key   string
	Value json.RawMessage
}

// Account is a locally registered user for the demo credential store.
type Account struct {
	ID           string
	UserID       string
	PasswordHash string
	CreatedAt    time.Time
}
