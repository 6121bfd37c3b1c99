package types

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// BusScope identifies which message bus a peer was discovered on.
type BusScope int

const (
	ScopeUnknown BusScope = iota
	ScopeSession          // per-user session bus
	ScopeSystem           // system-wide bus
)

// AllScopes lists the scopes in the order they are enumerated.
var AllScopes = []BusScope{ScopeSession, ScopeSystem}

func (s BusScope) String() string {
	switch s {
	case ScopeSession:
		return "session"
	case ScopeSystem:
		return "system"
	default:
		return "unknown"
	}
}

// ParseBusScope parses "session" or "system" (case-insensitive).
func ParseBusScope(s string) (BusScope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "session", "user":
		return ScopeSession, nil
	case "system":
		return ScopeSystem, nil
	default:
		return ScopeUnknown, fmt.Errorf("unknown bus scope %q", s)
	}
}

// MarshalYAML renders the scope by name.
func (s BusScope) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

// UnmarshalYAML accepts the scope by name.
func (s *BusScope) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseBusScope(value.Value)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
