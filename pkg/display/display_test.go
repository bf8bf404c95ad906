package display

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func writePlaceholders(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range []string{"loop0001.png", "loop0000.png", "progress_empty.png"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0644))
	}
	return dir
}

func TestManager_PlaceholderSequence(t *testing.T) {
	m := NewManager(writePlaceholders(t))
	ctx := context.Background()

	var got []string
	for i := 0; i < 3; i++ {
		f, err := m.Next(ctx, HeadUnit)
		require.NoError(t, err)
		assert.False(t, f.Live)
		got = append(got, string(f.PNG))
	}
	assert.Equal(t, []string{"loop0000.png", "loop0001.png", "loop0000.png"}, got)

	f, err := m.Next(ctx, Cluster)
	require.NoError(t, err)
	assert.Equal(t, "progress_empty.png", string(f.PNG))
}

func TestManager_GeneratedFallback(t *testing.T) {
	m := NewManager("")
	f, err := m.Next(context.Background(), Cluster)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(f.PNG))
	require.NoError(t, err)
	assert.Equal(t, 1280, img.Bounds().Dx())
}

func TestManager_ProviderPreferred(t *testing.T) {
	m := NewManager(writePlaceholders(t))
	m.SetProvider(HeadUnit, func(context.Context) ([]byte, error) {
		return []byte("live"), nil
	})

	f, err := m.Next(context.Background(), HeadUnit)
	require.NoError(t, err)
	assert.True(t, f.Live)
	assert.Equal(t, "live", string(f.PNG))
}

func TestManager_ProviderFailureFallsBack(t *testing.T) {
	m := NewManager(writePlaceholders(t))
	m.SetProvider(Cluster, func(context.Context) ([]byte, error) {
		return nil, errors.New("vnc down")
	})

	f, err := m.Next(context.Background(), Cluster)
	require.NoError(t, err)
	assert.False(t, f.Live)
	assert.Equal(t, "progress_empty.png", string(f.PNG))

	m.SetProvider(Cluster, nil)
	f, err = m.Next(context.Background(), Cluster)
	require.NoError(t, err)
	assert.False(t, f.Live)
}

func TestManager_UnknownDisplay(t *testing.T) {
	m := NewManager("")
	_, err := m.Next(context.Background(), Display("rear"))
	assert.ErrorIs(t, err, ErrUnknownDisplay)

	_, err = ParseDisplay("rear")
	assert.ErrorIs(t, err, ErrUnknownDisplay)
	d, err := ParseDisplay("hu")
	require.NoError(t, err)
	assert.Equal(t, HeadUnit, d)
}

func TestPoller_StalledDisplayDoesNotBlockOther(t *testing.T) {
	m := NewManager("")
	m.SetProvider(HeadUnit, func(ctx context.Context) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	var clusterCalls atomic.Int32
	m.SetProvider(Cluster, func(context.Context) ([]byte, error) {
		clusterCalls.Add(1)
		return []byte("cluster"), nil
	})

	p := NewPoller(m, map[Display]float64{HeadUnit: 50, Cluster: 50}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return clusterCalls.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
	f, ok := p.Latest(Cluster)
	require.True(t, ok)
	assert.True(t, f.Live)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("poller did not stop")
	}
}
