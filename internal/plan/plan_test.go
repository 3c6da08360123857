package plan

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() ClusterRequest {
	return ClusterRequest{
		PrefillNodes:       1,
		DecodeNodes:        2,
		WorkersPerPrefill:  1,
		WorkersPerDecode:   1,
		TensorParallelSize: 8,
		ModelName:          "deepseek-v3",
		ModelPath:          "/models/deepseek-v3",
	}
}

func TestPlanOnePTwoD(t *testing.T) {
	req := validRequest()
	nodes := []string{"n1", "n2", "n3"}

	got, err := Plan(req, nodes)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "n1", got[0].NodeID)
	assert.Equal(t, RolePrefill, got[0].Role)
	assert.True(t, got[0].Router)
	assert.Equal(t, 0, got[0].RankInRole)
	assert.Equal(t, 0, got[0].GlobalRank)

	assert.Equal(t, "n2", got[1].NodeID)
	assert.Equal(t, RoleDecode, got[1].Role)
	assert.False(t, got[1].Router)
	assert.Equal(t, 0, got[1].RankInRole)
	assert.Equal(t, 1, got[1].GlobalRank)

	assert.Equal(t, "n3", got[2].NodeID)
	assert.Equal(t, RoleDecode, got[2].Role)
	assert.Equal(t, 1, got[2].RankInRole)
	assert.Equal(t, 2, got[2].GlobalRank)
}

func TestPlanDeterministic(t *testing.T) {
	req := validRequest()
	req.PrefillNodes = 2
	req.DecodeNodes = 3
	nodes := []string{"a", "b", "c", "d", "e"}

	first, err := Plan(req, nodes)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		again, err := Plan(req, nodes)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestPlanInsufficientNodes(t *testing.T) {
	req := validRequest()
	req.PrefillNodes = 2
	req.DecodeNodes = 2

	got, err := Plan(req, []string{"n1", "n2", "n3"})
	require.Error(t, err)
	assert.Nil(t, got)

	var insufficient *InsufficientNodesError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, 3, insufficient.Have)
	assert.Equal(t, 4, insufficient.Need)
}

func TestPlanSpareNodesIgnored(t *testing.T) {
	req := validRequest()

	got, err := Plan(req, []string{"n1", "n2", "n3", "n4", "n5"})
	require.NoError(t, err)
	assert.Len(t, got, 3)

	_, ok := Find(got, "n4")
	assert.False(t, ok)
}

func TestPlanRankProperties(t *testing.T) {
	req := validRequest()
	req.PrefillNodes = 3
	req.DecodeNodes = 4
	nodes := []string{"p0", "p1", "p2", "d0", "d1", "d2", "d3"}

	got, err := Plan(req, nodes)
	require.NoError(t, err)

	routers := 0
	for _, a := range got {
		if a.Router {
			routers++
		}
	}
	assert.Equal(t, 1, routers, "exactly one node carries the router")

	for _, role := range []Role{RolePrefill, RoleDecode} {
		ranks := Ranks(got, role)
		for i, a := range ranks {
			assert.Equal(t, i, a.RankInRole, "ranks are contiguous and zero-based")
		}
	}

	seen := map[int]bool{}
	for _, a := range got {
		assert.False(t, seen[a.GlobalRank], "global ranks are unique")
		seen[a.GlobalRank] = true
	}
}

func TestPlanValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*ClusterRequest)
	}{
		{"no prefill", func(r *ClusterRequest) { r.PrefillNodes = 0 }},
		{"no decode", func(r *ClusterRequest) { r.DecodeNodes = 0 }},
		{"no prefill workers", func(r *ClusterRequest) { r.WorkersPerPrefill = 0 }},
		{"no decode workers", func(r *ClusterRequest) { r.WorkersPerDecode = 0 }},
		{"no model name", func(r *ClusterRequest) { r.ModelName = "" }},
		{"no model path", func(r *ClusterRequest) { r.ModelPath = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(&req)
			_, err := Plan(req, []string{"n1", "n2", "n3"})
			assert.Error(t, err)
		})
	}
}

func TestRouterNode(t *testing.T) {
	req := validRequest()
	got, err := Plan(req, []string{"n1", "n2", "n3"})
	require.NoError(t, err)

	router, ok := RouterNode(got)
	require.True(t, ok)
	assert.Equal(t, "n1", router.NodeID)
	assert.Equal(t, RolePrefill, router.Role)
}
