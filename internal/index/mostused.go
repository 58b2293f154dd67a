package index

import "sort"

import "pbscore/internal/digest"

// MostUsedChunks drains iterChunks (FixedReader.IterChunks or
// DynamicReader.IterChunks) and returns the n digests with the highest
// occurrence count, used to seed a read cache (spec.md §4.B). Ties break
// by digest value for determinism.
func MostUsedChunks(iterChunks func(yield func(digest.Digest) bool), n int) []digest.Digest {
	counts := make(map[digest.Digest]int)
	iterChunks(func(d digest.Digest) bool {
		counts[d]++
		return true
	})

	type entry struct {
		d digest.Digest
		c int
	}
	list := make([]entry, 0, len(counts))
	for d, c := range counts {
		list = append(list, entry{d, c})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].c != list[j].c {
			return list[i].c > list[j].c
		}
		return list[i].d.String() < list[j].d.String()
	})

	if n > len(list) {
		n = len(list)
	}
	out := make([]digest.Digest, n)
	for i := 0; i < n; i++ {
		out[i] = list[i].d
	}
	return out
}
