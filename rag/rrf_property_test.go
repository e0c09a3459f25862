package rag

import (
	"fmt"
	"math"
	"testing"

	"pgregory.net/rapid"
)

func genResultList(t *rapid.T, label string, maxLen int) []RetrievalResult {
	n := rapid.IntRange(0, maxLen).Draw(t, label+"_len")
	list := make([]RetrievalResult, 0, n)
	seen := make(map[string]struct{})
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-%d", label, rapid.IntRange(0, 30).Draw(t, fmt.Sprintf("%s_id_%d", label, i)))
		if _, ok := seen[id]; ok {
			continue // ranks within one list are per distinct id
		}
		seen[id] = struct{}{}
		list = append(list, RetrievalResult{ID: id, Text: "t", Source: SourceVector})
	}
	return list
}

// Fused scores must equal the sum of 1/(k+rank) contributions, and every
// distinct input id must appear exactly once in the output.
func TestRRFFuse_ScoreAccounting(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		k := rapid.IntRange(1, 100).Draw(t, "k")
		listA := genResultList(t, "a", 10)
		listB := genResultList(t, "b", 10)

		expected := make(map[string]float64)
		for _, list := range [][]RetrievalResult{listA, listB} {
			for rank, res := range list {
				expected[res.ID] += 1.0 / float64(k+rank+1)
			}
		}

		fused := rrfFuse([][]RetrievalResult{listA, listB}, k)
		if len(fused) != len(expected) {
			t.Fatalf("fused %d results, expected %d distinct ids", len(fused), len(expected))
		}
		seen := make(map[string]struct{})
		for _, res := range fused {
			if _, dup := seen[res.ID]; dup {
				t.Fatalf("id %s appears twice in fused output", res.ID)
			}
			seen[res.ID] = struct{}{}
			if math.Abs(res.Score-expected[res.ID]) > 1e-12 {
				t.Fatalf("id %s score %v, expected %v", res.ID, res.Score, expected[res.ID])
			}
		}
	})
}

// Output must be sorted by descending fused score.
func TestRRFFuse_SortedDescending(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		k := rapid.IntRange(1, 100).Draw(t, "k")
		fused := rrfFuse([][]RetrievalResult{
			genResultList(t, "a", 15),
			genResultList(t, "b", 15),
		}, k)
		for i := 1; i < len(fused); i++ {
			if fused[i].Score > fused[i-1].Score {
				t.Fatalf("scores not descending at %d: %v > %v", i, fused[i].Score, fused[i-1].Score)
			}
		}
	})
}

// An id present in both lists must outrank an id at the same ranks in only
// one list.
func TestRRFFuse_SharedBeatsSingle(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		k := rapid.IntRange(1, 100).Draw(t, "k")
		listA := []RetrievalResult{{ID: "shared"}, {ID: "solo-a"}}
		listB := []RetrievalResult{{ID: "shared"}, {ID: "solo-b"}}
		fused := rrfFuse([][]RetrievalResult{listA, listB}, k)
		if fused[0].ID != "shared" {
			t.Fatalf("shared id not first, got %s", fused[0].ID)
		}
	})
}
