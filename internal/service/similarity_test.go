package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/prn-tf/alexander-lifecycle/internal/domain"
)

func TestHammingDistance(t *testing.T) {
	tests := []struct {
		a, b     string
		expected int
	}{
		{"", "", 0},
		{"build-1.zip", "build-1.zip", 0},
		{"build-1.zip", "build-2.zip", 1},
		{"v1.0.0.tgz", "v2.1.0.tgz", 2},
		{"build-1.zip", "build-10.zip", -1},
		{"päckage-1", "päckage-2", 1},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, hammingDistance(tt.a, tt.b), "%q vs %q", tt.a, tt.b)
	}
}

func TestSimilarNames(t *testing.T) {
	tests := []struct {
		name     string
		name1    string
		size1    int64
		name2    string
		size2    int64
		expected bool
	}{
		{name: "one digit apart", name1: "build-1.zip", size1: 1000, name2: "build-2.zip", size2: 1010, expected: true},
		{name: "different lengths", name1: "build-9.zip", size1: 1000, name2: "build-10.zip", size2: 1000, expected: false},
		{name: "size too far apart", name1: "build-1.zip", size1: 1000, name2: "build-2.zip", size2: 3000, expected: false},
		{name: "half the size is still close", name1: "build-1.zip", size1: 1000, name2: "build-2.zip", size2: 2000, expected: true},
		{name: "mostly different", name1: "abcdef.bin", size1: 10, name2: "uvwxyz.bin", size2: 10, expected: false},
		{name: "empty names", name1: "", size1: 10, name2: "", size2: 10, expected: false},
		{name: "zero sizes", name1: "a-1.jar", size1: 0, name2: "a-2.jar", size2: 0, expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := similarity{edThreshold: 0.5, sizeRatio: 0.5}
			assert.Equal(t, tt.expected, sim.names(tt.name1, tt.size1, tt.name2, tt.size2))
		})
	}
}

func TestSimilaritySizeRatio(t *testing.T) {
	tests := []struct {
		ratio    float64
		size2    int64
		expected bool
	}{
		{ratio: 0.5, size2: 3000, expected: false},
		{ratio: 0.7, size2: 3000, expected: true},
		{ratio: 0.5, size2: 1200, expected: true},
		{ratio: 0.1, size2: 1200, expected: false},
	}

	for _, tt := range tests {
		sim := similarity{edThreshold: 0.5, sizeRatio: tt.ratio}
		assert.Equal(t, tt.expected, sim.names("build-1.zip", 1000, "build-2.zip", tt.size2), "ratio %v size %d", tt.ratio, tt.size2)
	}
}

func TestPartition(t *testing.T) {
	nodes := []*domain.Node{
		{ID: 1, FullPath: "/a/app-1.zip"},
		{ID: 2, FullPath: "/a/app-1.tgz"},
		{ID: 3, FullPath: "/b/app-2.zip"},
		{ID: 4, FullPath: "/b/app-10.zip"},
	}

	groups := partition(nodes)
	if assert.Len(t, groups, 3) {
		assert.Equal(t, []int64{1, 3}, nodeIDs(groups[0]))
		assert.Equal(t, []int64{2}, nodeIDs(groups[1]))
		assert.Equal(t, []int64{4}, nodeIDs(groups[2]))
	}
}

func TestClusterIsTransitive(t *testing.T) {
	nodes := []*domain.Node{{ID: 1}, {ID: 2}, {ID: 3}, {ID: 4}, {ID: 5}}
	// 1~2, 2~3 and 4~5 only
	edges := map[[2]int64]bool{{1, 2}: true, {2, 3}: true, {4, 5}: true}
	similar := func(a, b *domain.Node) bool {
		return edges[[2]int64{a.ID, b.ID}] || edges[[2]int64{b.ID, a.ID}]
	}

	clusters := cluster(nodes, similar)
	if assert.Len(t, clusters, 2) {
		assert.Equal(t, []int64{1, 2, 3}, nodeIDs(clusters[0]))
		assert.Equal(t, []int64{4, 5}, nodeIDs(clusters[1]))
	}

	assert.Nil(t, cluster(nil, similar))
	assert.Len(t, cluster(nodes[:1], similar), 1)
}

func TestUnionFind(t *testing.T) {
	u := newUnionFind(6)
	u.union(0, 1)
	u.union(2, 3)
	u.union(1, 3)

	assert.Equal(t, u.find(0), u.find(2))
	assert.NotEqual(t, u.find(0), u.find(4))
	assert.NotEqual(t, u.find(4), u.find(5))

	u.union(4, 5)
	assert.Equal(t, u.find(4), u.find(5))
}

func nodeIDs(nodes []*domain.Node) []int64 {
	ids := make([]int64, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}
