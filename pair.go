package txmap

// KeyValuePair is a tuple used for ordered bulk writes and for map snapshots.
type KeyValuePair[TK any, TV any] struct {
	// Key is the key part in the pair.
	Key TK
	// Value is the value part in the pair.
	Value TV
}
