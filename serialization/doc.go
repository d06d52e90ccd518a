// Package serialization converts message content between Go representations.
//
// A Registry holds converters consulted by Message.ContentAs: exact
// (from, to) pair functions first, then generic converters in registration
// order, with user converters taking precedence over the built-ins. The
// built-ins cover text and bytes, JSON encoding and decoding of structured
// values, numbers and booleans, errors and io.Reader content.
//
// Lookups are safe for concurrent use; registration is expected at startup.
package serialization
