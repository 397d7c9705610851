package depth

// fenwick is a binary indexed tree over n slots supporting point updates and
// prefix sums in O(log n).
type fenwick struct {
	tree []int64 // 1-based
}

func newFenwick(n int) fenwick {
	return fenwick{tree: make([]int64, n+1)}
}

// add applies delta to slot i (0-based).
func (f *fenwick) add(i int, delta int64) {
	for i++; i < len(f.tree); i += i & -i {
		f.tree[i] += delta
	}
}

// prefix returns the sum of slots [0, i]. Negative i yields zero.
func (f *fenwick) prefix(i int) int64 {
	if i >= len(f.tree)-1 {
		i = len(f.tree) - 2
	}
	var sum int64
	for i++; i > 0; i -= i & -i {
		sum += f.tree[i]
	}
	return sum
}

func (f *fenwick) reset() {
	clear(f.tree)
}
