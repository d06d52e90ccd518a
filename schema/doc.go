// Package schema validates message content against the declared input and
// output types of service operations.
//
// A Registry maps type names, as they appear in an operation's InputType or
// OutputType, to a Schema. Schemas are written by hand or derived from Go
// types with FromType:
//
//	reg := schema.NewRegistry()
//	_ = reg.Register("OrderRequest", schema.FromType(OrderRequest{}))
//
//	chain := interceptors.NewChainBuilder(logger).
//		WithValidation(reg.Validator()).
//		Build()
//
// JSON content is checked for required fields, types, string length and
// numeric bounds, enums, regular expression patterns and the formats
// email, uri, uuid, date and date-time. Operations whose type has no
// registered schema pass unless the validator is strict.
package schema
