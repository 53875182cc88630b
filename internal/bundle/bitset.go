package bundle

// idSet is a growable bitset over descriptor IDs.
type idSet []uint64

func (s idSet) has(id int) bool {
	w := id / 64
	return w < len(s) && s[w]&(1<<(uint(id)%64)) != 0
}

func (s *idSet) add(id int) {
	w := id / 64
	for w >= len(*s) {
		*s = append(*s, 0)
	}
	(*s)[w] |= 1 << (uint(id) % 64)
}
