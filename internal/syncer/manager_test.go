package syncer_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openambit/ambit-sync/internal/device/devicetest"
	"github.com/openambit/ambit-sync/internal/models"
	"github.com/openambit/ambit-sync/internal/syncer"
	"github.com/openambit/ambit-sync/pkg/ambit"
)

func TestManager_DeviceBusy(t *testing.T) {
	cfg := testConfig()
	cfg.CallTimeout = time.Second
	f := newFixture(t, cfg, nil, 1, 2)
	f.emu.SetLatency(20 * time.Millisecond)

	m := syncer.NewManager(f.orch)
	done, err := m.Start(context.Background(), "watch")
	require.NoError(t, err)
	assert.True(t, m.Busy("watch"))

	_, err = m.Start(context.Background(), "watch")
	assert.ErrorIs(t, err, syncer.ErrDeviceBusy)

	res := <-done
	require.NoError(t, res.Err)
	assert.Equal(t, uint32(2), res.State.HighWaterMark)

	m.Wait()
	assert.False(t, m.Busy("watch"))
}

func TestManager_DevicesAreIndependent(t *testing.T) {
	store := setupStore(t)
	queue := newMemQueue()

	slow := devicetest.New(devicetest.SampleInfo("SN-SLOW"))
	slow.AddLog(devicetest.SampleLog(1))
	slow.Inject(devicetest.Fault{Command: ambit.CmdLogCount, Kind: devicetest.FaultHang})

	fast := devicetest.New(devicetest.SampleInfo("SN-FAST"))
	fast.AddLog(devicetest.SampleLog(1))
	fast.AddLog(devicetest.SampleLog(2))

	cfg := testConfig()
	cfg.CallTimeout = 200 * time.Millisecond
	orch := syncer.NewOrchestrator(cfg, devicetest.Transport{"slow": slow, "fast": fast}, store, queue, nil, nil)
	m := syncer.NewManager(orch)

	slowDone, err := m.Start(context.Background(), "slow")
	require.NoError(t, err)

	start := time.Now()
	state, err := m.Sync(context.Background(), "fast")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), state.HighWaterMark)
	assert.Less(t, time.Since(start), 400*time.Millisecond)

	res := <-slowDone
	assert.Error(t, res.Err)
	assert.Equal(t, models.StageFailed, res.State.Stage)
}

func TestManager_RunOnce(t *testing.T) {
	store := setupStore(t)
	queue := newMemQueue()

	transport := devicetest.Transport{}
	for _, serial := range []string{"SN-A", "SN-B"} {
		emu := devicetest.New(devicetest.SampleInfo(serial))
		emu.AddLog(devicetest.SampleLog(1))
		transport[serial] = emu
	}

	orch := syncer.NewOrchestrator(testConfig(), transport, store, queue, nil, syncer.NewLogObserver())
	m := syncer.NewManager(orch)

	require.NoError(t, m.Run(context.Background(), []string{"SN-A", "SN-B"}, 0))
	assert.Equal(t, []uint32{1}, queue.ids("SN-A"))
	assert.Equal(t, []uint32{1}, queue.ids("SN-B"))

	states, err := store.ListSyncStates(context.Background())
	require.NoError(t, err)
	assert.Len(t, states, 2)
}

func TestManager_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t, testConfig(), nil, 1)
	m := syncer.NewManager(f.orch)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- m.Run(ctx, []string{"watch"}, time.Hour) }()

	require.Eventually(t, func() bool {
		return len(f.queue.ids("SN-100")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.SyncStage
		want     bool
	}{
		{models.StageIdle, models.StageConnecting, true},
		{models.StageIdle, models.StageReadingSettings, false},
		{models.StageDownloadingLogs, models.StageDownloadingLogs, true},
		{models.StageFetchingOrbital, models.StageCompleted, true},
		{models.StageListingLogs, models.StageFailed, true},
		{models.StageCompleted, models.StageConnecting, false},
		{models.StageFailed, models.StageFailed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, syncer.CanTransition(tt.from, tt.to))
		})
	}
}
