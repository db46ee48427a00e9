package taskcache

import (
	"iter"
)

// Merge combines two sequences that are each sorted by Compare into one
// sorted sequence. When both sides hold an item with the same start time and
// UPID, one copy is emitted (the one from left) and both are consumed.
func Merge(left, right iter.Seq[Item]) iter.Seq[Item] {
	return func(yield func(Item) bool) {
		nextL, stopL := iter.Pull(left)
		defer stopL()
		nextR, stopR := iter.Pull(right)
		defer stopR()

		l, okL := nextL()
		r, okR := nextR()

		for okL || okR {
			var out Item
			switch {
			case !okR:
				out = l
				l, okL = nextL()
			case !okL:
				out = r
				r, okR = nextR()
			default:
				switch c := Compare(l, r); {
				case c < 0:
					out = l
					l, okL = nextL()
				case c > 0:
					out = r
					r, okR = nextR()
				default:
					out = l
					l, okL = nextL()
					r, okR = nextR()
				}
			}
			if !yield(out) {
				return
			}
		}
	}
}

// mergeAll folds Merge over seqs. Earlier sequences win on duplicates.
func mergeAll(seqs ...iter.Seq[Item]) iter.Seq[Item] {
	switch len(seqs) {
	case 0:
		return func(func(Item) bool) {}
	case 1:
		return seqs[0]
	}
	return Merge(seqs[0], mergeAll(seqs[1:]...))
}

// concat yields the items of each sequence in turn.
func concat(seqs ...iter.Seq[Item]) iter.Seq[Item] {
	return func(yield func(Item) bool) {
		for _, seq := range seqs {
			for item := range seq {
				if !yield(item) {
					return
				}
			}
		}
	}
}
