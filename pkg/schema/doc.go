// Package schema describes and validates capability inputs.
//
// A Schema maps input names to a Type. Besides the scalar types (string, int,
// float, bool, any, map) and slices, a field may reference the output of another
// capability through a Ref type. References are how capabilities declare data
// dependencies; the router uses them to order plan groups and the executor uses
// them to feed outputs forward.
//
//	in, err := schema.ParseTypeMap(map[string]string{
//	    "query":    "string",
//	    "limit":    "int?",
//	    "contacts": "ref:crm.lookup",
//	})
//
// A trailing "?" marks a field optional: absence is accepted, a present value
// must still conform.
package schema
