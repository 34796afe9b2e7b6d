package upload

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openambit/ambit-sync/internal/integration"
)

type failingSink struct{ calls int }

func (f *failingSink) Write(ctx context.Context, snap *Snapshot) error {
	f.calls++
	return errors.New("disk full")
}

func TestEncodeDocument_Deterministic(t *testing.T) {
	_, entry := sampleLog(4)
	a, err := EncodeDocument(integration.NewDocument("SN-1", entry))
	require.NoError(t, err)
	b, err := EncodeDocument(integration.NewDocument("SN-1", entry))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(a, b))
}

func TestMultiSink(t *testing.T) {
	_, entry := sampleLog(5)
	snap := &Snapshot{Serial: "SN-1", LogID: 5, Raw: []byte("raw"), Document: integration.NewDocument("SN-1", entry)}

	dir := t.TempDir()
	failing := &failingSink{}
	err := MultiSink{failing, NewFileSink(dir)}.Write(context.Background(), snap)
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, 1, failing.calls)
	assert.FileExists(t, dir+"/SN-1/0000000005.raw")
	assert.FileExists(t, dir+"/SN-1/0000000005.cbor")
}

func TestKeyLock(t *testing.T) {
	k := newKeyLock()
	unlock := k.lock("a")

	acquired := make(chan struct{})
	go func() {
		defer close(acquired)
		k.lock("a")()
	}()

	// a different key is independent
	k.lock("b")()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first held")
	default:
	}
	unlock()
	<-acquired

	k.mu.Lock()
	defer k.mu.Unlock()
	assert.Empty(t, k.locks)
}
