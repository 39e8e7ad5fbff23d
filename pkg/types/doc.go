// Package types defines the data model shared across the SPL loader: the
// parsed document produced by the parser, the typed row batches consumed by
// the intermediate writers and loaders, the loader configuration, and the
// error kinds used at policy boundaries.
package types
