// Package entity holds the loosely-typed domain entities the wallet core
// works with (users, devices, sessions, tokens, transactions, rules) and an
// in-memory repository with last-write-wins-by-timestamp merge semantics.
package entity

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies an entity type. The values match the result_type
// discriminators used by the platform API.
type Kind string

const (
	KindUser          Kind = "user"
	KindDevice        Kind = "device"
	KindDeviceManager Kind = "device_manager"
	KindSession       Kind = "session"
	KindToken         Kind = "token"
	KindTransaction   Kind = "transaction"
	KindRule          Kind = "rule"
)

// identifier field per kind. Devices and sessions are keyed by their
// on-chain address, everything else by a server-assigned id.
func (k Kind) idKey() string {
	switch k {
	case KindDevice, KindSession:
		return "address"
	default:
		return "id"
	}
}

// parent identifier field per kind, empty when the kind has no parent.
func (k Kind) parentKey() string {
	switch k {
	case KindDevice, KindSession, KindTransaction:
		return "user_id"
	case KindRule:
		return "token_id"
	default:
		return ""
	}
}

// Entity is a bag of string-keyed values as returned by the API. The required
// identifier and the optional parent identifier live inside the bag; freshness
// is compared through the "uts" (update timestamp) field.
type Entity struct {
	kind Kind
	data map[string]any
}

// ErrMissingID is wrapped by New when the payload has no identifier.
var ErrMissingID = fmt.Errorf("entity payload has no identifier")

// New wraps a decoded payload as an Entity of the given kind. The payload
// must carry the kind's identifier field.
func New(kind Kind, data map[string]any) (*Entity, error) {
	if data == nil {
		return nil, fmt.Errorf("%s: nil payload: %w", kind, ErrMissingID)
	}
	id := toString(data[kind.idKey()])
	if id == "" {
		return nil, fmt.Errorf("%s: %w", kind, ErrMissingID)
	}
	return &Entity{kind: kind, data: data}, nil
}

// Kind returns the entity kind.
func (e *Entity) Kind() Kind { return e.kind }

// ID returns the entity identifier. Addresses are normalized to lower case so
// lookups are case-insensitive.
func (e *Entity) ID() string {
	id := toString(e.data[e.kind.idKey()])
	if e.kind.idKey() == "address" {
		return strings.ToLower(id)
	}
	return id
}

// ParentID returns the parent identifier, or "" when absent.
func (e *Entity) ParentID() string {
	pk := e.kind.parentKey()
	if pk == "" {
		return ""
	}
	return toString(e.data[pk])
}

// UTS returns the update timestamp used for freshness comparison.
func (e *Entity) UTS() int64 {
	return toInt64(e.data["uts"])
}

// Status returns the upper-cased status field.
func (e *Entity) Status() string {
	return strings.ToUpper(toString(e.data["status"]))
}

// GetString returns the value under key as a string, "" when absent.
func (e *Entity) GetString(key string) string {
	return toString(e.data[key])
}

// GetInt64 returns the value under key as an int64, 0 when absent or not
// numeric.
func (e *Entity) GetInt64(key string) int64 {
	return toInt64(e.data[key])
}

// Data returns the underlying payload. Callers must not mutate it.
func (e *Entity) Data() map[string]any { return e.data }

// FresherThan reports whether e carries a strictly newer update timestamp
// than other.
func (e *Entity) FresherThan(other *Entity) bool {
	return e.UTS() > other.UTS()
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		// JSON numbers decode as float64; render integers without exponent.
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int:
		return int64(t)
	case int64:
		return t
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
