package relay

import "github.com/channelrelay/channelrelay/pkg/types"

// Permissions is the capability set granted by an access token.
type Permissions uint8

const (
	// PermRead allows receiving broadcasts.
	PermRead Permissions = 1 << iota
	// PermWrite allows publishing messages.
	PermWrite
)

// ParsePermissions maps "read", "write" and "readwrite" to a capability set.
// Any other value grants nothing.
func ParsePermissions(s string) Permissions {
	switch s {
	case types.PermRead:
		return PermRead
	case types.PermWrite:
		return PermWrite
	case types.PermReadWrite:
		return PermRead | PermWrite
	default:
		return 0
	}
}

// CanRead reports whether broadcasts may be forwarded to the holder.
func (p Permissions) CanRead() bool { return p&PermRead != 0 }

// CanWrite reports whether the holder may publish.
func (p Permissions) CanWrite() bool { return p&PermWrite != 0 }

// Valid reports whether p grants at least one capability.
func (p Permissions) Valid() bool { return p != 0 }

func (p Permissions) String() string {
	switch p {
	case PermRead:
		return types.PermRead
	case PermWrite:
		return types.PermWrite
	case PermRead | PermWrite:
		return types.PermReadWrite
	default:
		return "none"
	}
}
