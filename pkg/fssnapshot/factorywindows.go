//go:build windows

package fssnapshot

import (
	"log"
)

func PlatformSpecificProvider(logger *log.Logger) Provider {
	return VssProvider(logger)
}

func platformProviderByKind(kind string, logger *log.Logger) Provider {
	if kind == "vss" {
		return VssProvider(logger)
	}

	return nil
}
