package utils

// Iterator walks a sorted sequence of versioned records. The direction is
// fixed at construction: Next always advances in that direction, and Seek
// positions at the first record >= key (forward) or <= key (reverse) in
// (user key, sequence) order.
type Iterator interface {
	Next()
	Valid() bool
	Rewind()
	Item() Item
	Seek(key []byte, seq uint64)
	Close() error
}

type Item interface {
	Entry() *Entry
}

// Options configure iterator construction.
type Options struct {
	Reverse bool
}
