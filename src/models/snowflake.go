package models

import (
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// Snowflake is a server-assigned id. It stays a string so ids round-trip
// through the wire format unchanged.
type Snowflake string

func (s Snowflake) String() string {
	return string(s)
}

func (s Snowflake) Valid() bool {
	_, err := snowflake.Parse(string(s))
	return err == nil
}

// CreatedAt extracts the creation time encoded in the id. Invalid ids give
// the zero time.
func (s Snowflake) CreatedAt() time.Time {
	id, err := snowflake.Parse(string(s))
	if err != nil {
		return time.Time{}
	}
	return id.Time()
}

// Less orders ids by creation: shorter numeric strings are older.
func (s Snowflake) Less(other Snowflake) bool {
	if len(s) != len(other) {
		return len(s) < len(other)
	}
	return s < other
}
