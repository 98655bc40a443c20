package domain

import "time"

// Credentials authenticate against a remote endpoint.
type Credentials struct {
	Username string
	Password string
}

// AuthToken is an immutable credential issued by a remote endpoint.
type AuthToken struct {
	Value  string
	Expiry time.Time
}

// Valid reports whether the token carries a value.
func (t AuthToken) Valid() bool {
	return t.Value != ""
}

// Expired reports whether the token is unusable at now, treating tokens that
// expire within skew as already expired. A zero expiry never expires.
func (t AuthToken) Expired(now time.Time, skew time.Duration) bool {
	if !t.Valid() {
		return true
	}
	if t.Expiry.IsZero() {
		return false
	}
	return !now.Add(skew).Before(t.Expiry)
}
