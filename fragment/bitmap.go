package fragment

// bitmap is a fixed-size set of part indices.
type bitmap []uint64

func newBitmap(n int) bitmap {
	return make(bitmap, (n+63)/64)
}

func (b bitmap) has(i int) bool {
	return b[i/64]&(1<<(uint(i)%64)) != 0
}

// set marks i and reports whether it was previously clear.
func (b bitmap) set(i int) bool {
	word, mask := i/64, uint64(1)<<(uint(i)%64)
	if b[word]&mask != 0 {
		return false
	}
	b[word] |= mask
	return true
}
