package outbound

import (
	"fmt"
	"strings"
)

// Key identifies one outbound connection. Static servers use the bare
// server name. Template instances append a suffix after a single colon:
// the session id for per-client instances, or the rendered-params hash
// for shareable ones.
type Key struct {
	Name   string
	Suffix string
}

// StaticKey returns the key for a statically configured server.
func StaticKey(name string) Key {
	return Key{Name: name}
}

// TemplateSessionKey returns the key for a per-client template instance.
func TemplateSessionKey(name, sessionID string) Key {
	return Key{Name: name, Suffix: sessionID}
}

// TemplateHashKey returns the key for a shareable template instance.
func TemplateHashKey(name, hash string) Key {
	return Key{Name: name, Suffix: hash}
}

// IsStatic reports whether the key refers to a static server.
func (k Key) IsStatic() bool {
	return k.Suffix == ""
}

// String renders the key in its wire form, "name" or "name:suffix".
func (k Key) String() string {
	if k.Suffix == "" {
		return k.Name
	}
	return k.Name + ":" + k.Suffix
}

// ParseKey parses a connection key. Keys with more than one colon are
// invalid: server names may not contain colons, and neither session ids
// nor hashes do.
func ParseKey(s string) (Key, error) {
	if s == "" {
		return Key{}, fmt.Errorf("empty connection key")
	}
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 1:
		return Key{Name: parts[0]}, nil
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return Key{}, fmt.Errorf("invalid connection key %q", s)
		}
		return Key{Name: parts[0], Suffix: parts[1]}, nil
	default:
		return Key{}, fmt.Errorf("invalid connection key %q: more than one colon", s)
	}
}
