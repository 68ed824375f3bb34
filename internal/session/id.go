package session

import (
	"github.com/oklog/ulid/v2"
)

// GenerateID returns prefix followed by a new ULID. ULIDs sort by creation
// time, so IDs of successive sessions for one device order naturally.
func GenerateID(prefix string) string {
	return prefix + ulid.Make().String()
}
