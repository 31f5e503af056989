//go:build linux

package fssnapshot

import (
	"log"
)

func PlatformSpecificProvider(logger *log.Logger) Provider {
	return LvmProvider("1GB", logger)
}

func platformProviderByKind(kind string, logger *log.Logger) Provider {
	if kind == "lvm" {
		return LvmProvider("1GB", logger)
	}

	return nil
}
