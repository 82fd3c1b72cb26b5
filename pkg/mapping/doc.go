// Package mapping holds the mapping rules that drive normalization of change
// stream records, and the small expression language used inside them.
//
// A mapping file is YAML:
//
//	defaults:
//	  hash_pii: true
//	mappings:
//	  - match: {ns.db: shop, ns.coll: orders}
//	    event_type_override:
//	      when: "$eq(operationType,'insert')"
//	      value: created
//	      else: changed
//	    tags: [status]
//	    attrs:
//	      - total
//	      - latency_s: "$secondsDiff(fullDocument.paid_at, fullDocument.created_at)"
//	    pii: [email]
//
// Rules are matched on exact (db, coll) in declaration order. Attr entries are
// resolved at load time into DirectField or ComputedField, and every
// expression is parsed once into one of a closed set of forms:
//
//   - $eq(A, B)          predicate, true when A and B resolve to the same text
//   - $exists(A)         predicate, true when A resolves to a non-null value
//   - $gt(A, B)          predicate, numeric A > B
//   - $secondsDiff(A, B) computed value, whole seconds between two RFC 3339 timestamps
//
// Tokens A and B are 'quoted literals', dotted paths into the record
// (fullDocument.status), top-level field names (operationType) or bare
// literals.
//
// Loading never fails: a broken or missing file yields an empty Spec, under
// which every record passes through with default values. Problems found while
// loading are kept and reported by Spec.Validate.
package mapping
