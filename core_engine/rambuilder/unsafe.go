package rambuilder

import "unsafe"

// unsafeSlice turns RAM's privileged raw base pointer into a Go byte slice
// spanning the whole reservation, for the page-table writer only.
func unsafeSlice(base *byte, length uint64) []byte {
	if base == nil {
		return nil
	}
	return unsafe.Slice(base, int(length))
}
