// Package loader registers the built-in storage drivers via blank imports.
package loader

import (
	_ "github.com/vendorflow/vendorflow/internal/store/json"
	_ "github.com/vendorflow/vendorflow/internal/store/memory"
	_ "github.com/vendorflow/vendorflow/internal/store/postgres"
	_ "github.com/vendorflow/vendorflow/internal/store/sqlite"
)
