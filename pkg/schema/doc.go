// Package schema declares the fields of each collection and validates and
// sanitizes mutation payloads against them. Page controllers validate with
// the same Schema before applying an optimistic edit that the gateway uses
// before writing.
package schema
