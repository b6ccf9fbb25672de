package match

import "strings"

type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	switch {
	case u.rank[ra] < u.rank[rb]:
		u.parent[ra] = rb
	case u.rank[ra] > u.rank[rb]:
		u.parent[rb] = ra
	default:
		u.parent[rb] = ra
		u.rank[ra]++
	}
}

// sets returns member indexes per set, ordered by lowest member index
func (u *unionFind) sets() [][]int {
	index := make(map[int]int)
	var out [][]int
	for i := range u.parent {
		root := u.find(i)
		pos, ok := index[root]
		if !ok {
			pos = len(out)
			index[root] = pos
			out = append(out, nil)
		}
		out[pos] = append(out[pos], i)
	}
	return out
}

func trimmed(s string) string {
	return strings.TrimSpace(s)
}
