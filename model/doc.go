// Package model defines the shared types of the container fabric: container
// identity, the fixed-stride structural record, the variable-length attribute
// record with its contextual edges, and version history entries.
//
// The package is dependency-free so every subsystem (binary store, generation
// manager, attribute store, traversal engine, integrity scanner) can share
// these types without import cycles.
package model
