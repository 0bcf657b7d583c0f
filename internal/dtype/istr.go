package dtype

// Istr is Anvil's immutable string type. Go strings are already immutable
// and cheap to copy (a header plus a shared backing array), so Istr is a
// plain alias rather than a reference-counted wrapper — the ownership
// machinery spec.md §4.1 describes is provided for free by the runtime.
type Istr = string
