// Package loader registers the built-in cache drivers via blank imports.
package loader

import (
	_ "github.com/vendorflow/vendorflow/internal/platform/cache/memory"
	_ "github.com/vendorflow/vendorflow/internal/platform/cache/redis"
)
