//go:build !linux && !windows

package fssnapshot

import (
	"log"
)

func PlatformSpecificProvider(logger *log.Logger) Provider {
	return NotImplementedProvider()
}

func platformProviderByKind(kind string, logger *log.Logger) Provider {
	return nil
}
