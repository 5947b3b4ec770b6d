package intention

import "fmt"

// Kind separates manifestations from releases. It is fixed at creation.
type Kind int

const (
	// Manifest marks a desire to call in.
	Manifest Kind = iota + 1
	// Release marks something to burn away.
	Release
)

// Kinds lists every valid kind in display order.
var Kinds = []Kind{Manifest, Release}

// String returns the wire name ("manifest" or "release").
func (k Kind) String() string {
	switch k {
	case Manifest:
		return "manifest"
	case Release:
		return "release"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	return k == Manifest || k == Release
}

// ParseKind parses a wire name. "call"/"burn" are accepted as aliases
// for the CLI.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "manifest", "call":
		return Manifest, nil
	case "release", "burn":
		return Release, nil
	default:
		return 0, fmt.Errorf("%w: unknown kind %q", ErrValidation, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: invalid kind %d", ErrValidation, int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
