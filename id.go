package lister

import "github.com/xraph/lister/id"

// ID is the primary identifier type for all Lister entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
