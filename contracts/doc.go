// Package contracts provides the transport-neutral data model of the exchange core.
//
// This package defines the types every binding and service works with:
//   - Scope: visibility lifetime of a property (exchange, message, in, out)
//   - Property: a named, scoped value with explicit propagation flags
//   - Context: a scoped property store owned by a Message or an Exchange
//   - ScopedContext: a layered view resolving message scope over exchange scope
//   - Message: content plus attachments plus its own Context
//   - Attachment: a named binary resource referenced by a Message
//
// Context and Message carry no internal locking. They are owned by whichever
// goroutine currently holds the exchange; callers must synchronize externally
// before sharing a Message between goroutines.
package contracts
