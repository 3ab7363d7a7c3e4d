package authz

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
)

// Names of the callbacks installed by RegisterDefaults
const (
	CallbackAlways = "always"
	CallbackIsSelf = "isSelf"
)

// Always grants unconditionally. A role holding a permission bound to it
// may act on the permission's slug without further checks.
func Always(context.Context, Call) bool { return true }

// IsSelf grants when the first template argument is the caller's own id.
// Route variables arrive as strings and must be the id's canonical
// decimal form. Numbers must hold exactly the id.
func IsSelf(_ context.Context, c Call) bool {
	if c.User == nil {
		return false
	}
	id := c.User.ID
	switch v := c.Arg(0).(type) {
	case string:
		return v == strconv.FormatInt(id, 10)
	case int:
		return int64(v) == id
	case int32:
		return int64(v) == id
	case int64:
		return v == id
	case float64:
		return v == math.Trunc(v) && math.Abs(v) < 1<<53 && int64(v) == id
	case json.Number:
		n, err := strconv.ParseInt(string(v), 10, 64)
		return err == nil && n == id
	default:
		return false
	}
}

// RegisterDefaults installs the built-in callbacks
func RegisterDefaults(m *Manager) {
	m.AddCallback(CallbackAlways, Always)
	m.AddCallback(CallbackIsSelf, IsSelf)
}
