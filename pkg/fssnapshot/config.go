package fssnapshot

import (
	"fmt"
	"log"
)

// ForConfig returns the backend selected by configuration. empty and "auto"
// pick the platform default. backend kinds are deliberately independent
// implementations of Provider - no behaviour is shared between them.
func ForConfig(kind string, logger *log.Logger) (Provider, error) {
	switch kind {
	case "", "auto":
		return PlatformSpecificProvider(logger), nil
	case "null":
		return NullProvider(), nil
	case "none":
		return NotImplementedProvider(), nil
	default:
		if provider := platformProviderByKind(kind, logger); provider != nil {
			return provider, nil
		}

		return nil, fmt.Errorf("unknown snapshot provider: %s", kind)
	}
}
