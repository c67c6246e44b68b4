package service

import (
	"math"
	"strconv"
	"unicode/utf8"

	"github.com/prn-tf/alexander-lifecycle/internal/domain"
)

// hammingDistance counts the positions at which two equal-length strings
// differ. Returns -1 when the lengths differ.
func hammingDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) != len(rb) {
		return -1
	}
	d := 0
	for i := range ra {
		if ra[i] != rb[i] {
			d++
		}
	}
	return d
}

// similarity decides whether two files look like versions of one artifact:
// names of equal length that differ in few positions, and sizes in the same range.
type similarity struct {
	// edThreshold is the name distance ratio below which names match.
	edThreshold float64
	// sizeRatio is the largest relative size difference, measured against
	// the larger file.
	sizeRatio float64
}

func (s similarity) names(name1 string, size1 int64, name2 string, size2 int64) bool {
	d := hammingDistance(name1, name2)
	if d < 0 {
		return false
	}
	if larger := max(size1, size2); larger > 0 {
		if math.Abs(float64(size1-size2))/float64(larger) > s.sizeRatio {
			return false
		}
	}
	l := utf8.RuneCountInString(name1) + utf8.RuneCountInString(name2)
	if l == 0 {
		return false
	}
	return float64(d*2)/float64(l) < s.edThreshold
}

func (s similarity) nodes(a, b *domain.Node) bool {
	return s.names(a.Name(), a.Size, b.Name(), b.Size)
}

// partitionKey buckets nodes by extension and name length so that only
// plausible pairs are compared.
func partitionKey(n *domain.Node) string {
	return n.Extension() + strconv.Itoa(utf8.RuneCountInString(n.Name()))
}

// partition groups nodes by partitionKey, keeping first-seen order.
func partition(nodes []*domain.Node) [][]*domain.Node {
	index := make(map[string]int)
	var groups [][]*domain.Node
	for _, n := range nodes {
		key := partitionKey(n)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], n)
	}
	return groups
}

// unionFind is a disjoint-set forest over indexes.
type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	u := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range u.parent {
		u.parent[i] = i
	}
	return u
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

// cluster splits nodes into the transitive closure of the similar predicate.
// Clusters come out in the order of their first member.
func cluster(nodes []*domain.Node, similar func(a, b *domain.Node) bool) [][]*domain.Node {
	if len(nodes) <= 1 {
		if len(nodes) == 0 {
			return nil
		}
		return [][]*domain.Node{nodes}
	}

	u := newUnionFind(len(nodes))
	for i := 0; i < len(nodes); i++ {
		for j := i + 1; j < len(nodes); j++ {
			if u.find(i) != u.find(j) && similar(nodes[i], nodes[j]) {
				u.union(i, j)
			}
		}
	}

	index := make(map[int]int)
	var clusters [][]*domain.Node
	for i, n := range nodes {
		root := u.find(i)
		c, ok := index[root]
		if !ok {
			c = len(clusters)
			index[root] = c
			clusters = append(clusters, nil)
		}
		clusters[c] = append(clusters[c], n)
	}
	return clusters
}
