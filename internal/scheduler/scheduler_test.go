package scheduler

import (
	"testing"

	"github.com/ChuLiYu/dwasm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func worker(addr string, cpus, mem int) types.Worker {
	return types.Worker{Address: addr, CPUs: cpus, MemoryCapacityMB: mem}
}

func TestCost(t *testing.T) {
	assert.InDelta(t, 0.0, Cost(2, 1000, worker("a", 2, 1000)), 1e-9)
	assert.InDelta(t, 500.5, Cost(1, 1000, worker("a", 2, 2000)), 1e-9)
	assert.InDelta(t, 500.5, Cost(3, 3000, worker("a", 2, 2000)), 1e-9, "distance is symmetric")
}

func TestSelect(t *testing.T) {
	busy := worker("10.0.0.1", 2, 1000)
	busy.Busy = true
	offline := worker("10.0.0.2", 2, 1000)
	offline.Offline = true

	tests := []struct {
		name    string
		cpus    int
		mem     int
		workers []types.Worker
		want    string
		wantErr error
	}{
		{
			name: "Closest match wins",
			cpus: 2, mem: 1000,
			workers: []types.Worker{worker("10.0.0.1", 2, 1000), worker("10.0.0.2", 8, 8000)},
			want:    "10.0.0.1",
		},
		{
			name: "Larger request prefers larger worker",
			cpus: 8, mem: 7000,
			workers: []types.Worker{worker("10.0.0.1", 2, 1000), worker("10.0.0.2", 8, 8000)},
			want:    "10.0.0.2",
		},
		{
			name: "Undersized worker still eligible",
			cpus: 16, mem: 32000,
			workers: []types.Worker{worker("10.0.0.1", 2, 1000)},
			want:    "10.0.0.1",
		},
		{
			name: "Tie goes to first",
			cpus: 4, mem: 4000,
			workers: []types.Worker{worker("10.0.0.1", 2, 2000), worker("10.0.0.2", 6, 6000)},
			want:    "10.0.0.1",
		},
		{
			name: "Busy and offline skipped",
			cpus: 2, mem: 1000,
			workers: []types.Worker{busy, offline, worker("10.0.0.3", 64, 64000)},
			want:    "10.0.0.3",
		},
		{
			name: "Nothing available",
			cpus: 2, mem: 1000,
			workers: []types.Worker{busy, offline},
			wantErr: ErrNoSuitableWorker,
		},
		{
			name:    "Empty registry",
			cpus:    1,
			mem:     1,
			wantErr: ErrNoSuitableWorker,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Select(tt.cpus, tt.mem, tt.workers)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSelectDeterministic(t *testing.T) {
	workers := []types.Worker{
		worker("10.0.0.1", 4, 4096),
		worker("10.0.0.2", 4, 4096),
		worker("10.0.0.3", 4, 4096),
	}
	first, err := Select(4, 4096, workers)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		got, err := Select(4, 4096, workers)
		require.NoError(t, err)
		assert.Equal(t, first, got)
	}
	assert.Equal(t, "10.0.0.1", first)
}
