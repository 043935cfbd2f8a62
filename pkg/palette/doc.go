// Package palette defines the shared palette document, the operations that
// mutate it, and the vector clock used to reason about which operations a
// replica has already observed.
//
// The document model is deliberately small: an ordered list of colors plus a
// free-form metadata map. Every mutation is expressed as an Operation with a
// globally unique id. Operations are applied in server arrival order on every
// replica, which makes the merge rule last-writer-wins by arrival: two
// concurrent edits to the same field resolve to whichever the server accepted
// last. Replicas that apply the same operation sequence produce byte-identical
// documents (see Document.Encode).
package palette
