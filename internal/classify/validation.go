package classify

import (
	"fmt"

	"github.com/dvloznov/movements-ledger/internal/domain"
)

// CategoryValidator validates category names against the closed category set.
type CategoryValidator struct {
	canonical map[string]string // folded name -> canonical spelling
	ordered   []string
}

// NewCategoryValidator creates a validator accepting exactly the given names.
func NewCategoryValidator(names ...string) *CategoryValidator {
	v := &CategoryValidator{canonical: make(map[string]string, len(names))}
	for _, name := range names {
		key := fold(name)
		if key == "" {
			continue
		}
		if _, exists := v.canonical[key]; exists {
			continue
		}
		v.canonical[key] = name
		v.ordered = append(v.ordered, name)
	}
	return v
}

// Canonical returns the stored spelling of name, comparing case- and accent-insensitively.
func (v *CategoryValidator) Canonical(name string) (string, error) {
	if c, ok := v.canonical[fold(name)]; ok {
		return c, nil
	}
	return "", fmt.Errorf("%w: %q (valid categories: %v)", domain.ErrUnknownCategory, name, v.ordered)
}

// Contains reports whether name is exactly one of the accepted categories.
func (v *CategoryValidator) Contains(name string) bool {
	c, ok := v.canonical[fold(name)]
	return ok && c == name
}

// Names returns the accepted categories in registration order.
func (v *CategoryValidator) Names() []string {
	out := make([]string, len(v.ordered))
	copy(out, v.ordered)
	return out
}
