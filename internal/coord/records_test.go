package coord

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDerivePhase(t *testing.T) {
	t.Parallel()

	ready := ReadinessRecord{Status: StatusReady}
	starting := ReadinessRecord{Status: StatusStarting}
	failed := ReadinessRecord{Status: StatusFailed}

	tests := []struct {
		name   string
		ranks  map[string]ReadinessRecord
		result *JobResult
		nodes  int
		want   string
	}{
		{
			name:  "no records",
			ranks: map[string]ReadinessRecord{},
			nodes: 2,
			want:  PhaseStarting,
		},
		{
			name: "some ready",
			ranks: map[string]ReadinessRecord{
				"prefill/0": ready, "decode/0": starting,
			},
			nodes: 2,
			want:  PhaseStarting,
		},
		{
			name: "all node records ready but router missing",
			ranks: map[string]ReadinessRecord{
				"prefill/0": ready, "decode/0": ready,
			},
			nodes: 2,
			want:  PhaseStarting,
		},
		{
			name: "all ready including router",
			ranks: map[string]ReadinessRecord{
				"prefill/0": ready, "decode/0": ready, "router/0": ready,
			},
			nodes: 2,
			want:  PhaseReady,
		},
		{
			name: "any failure wins",
			ranks: map[string]ReadinessRecord{
				"prefill/0": ready, "decode/0": failed, "router/0": ready,
			},
			nodes: 2,
			want:  PhaseFailed,
		},
		{
			name:   "result wins over everything",
			ranks:  map[string]ReadinessRecord{"decode/0": failed},
			result: &JobResult{Status: JobPartialFailure},
			nodes:  2,
			want:   PhaseFinished,
		},
		{
			name:  "empty plan never reports ready",
			ranks: map[string]ReadinessRecord{"router/0": ready},
			nodes: 0,
			want:  PhaseStarting,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, DerivePhase(tt.ranks, tt.result, tt.nodes))
		})
	}
}
