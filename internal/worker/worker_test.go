package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expensedb/internal/core"
	"expensedb/internal/dispatcher"
	"expensedb/internal/log"
	"expensedb/internal/protocol"
	"expensedb/internal/transport"
)

func spawnTestWorker(t *testing.T) (transport.Conn, *Worker) {
	t.Helper()
	host, w, err := Spawn(context.Background(), dispatcher.Options{
		DataDir: t.TempDir(),
		Logger:  log.Discard(),
	}, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		w.Stop(ctx)
	})
	return host, w
}

func roundTrip(t *testing.T, conn transport.Conn, op protocol.Operation, params any) *protocol.Response {
	t.Helper()
	req, err := protocol.NewRequest(op, params)
	require.NoError(t, err)
	data, err := req.ToJSON()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Send(ctx, data))

	select {
	case msg := <-conn.Messages():
		resp, err := protocol.ResponseFromJSON(msg)
		require.NoError(t, err)
		require.Equal(t, req.ID, resp.ID)
		return resp
	case <-ctx.Done():
		t.Fatal("no response from worker")
		return nil
	}
}

func TestSpawn_ServesRequests(t *testing.T) {
	host, w := spawnTestWorker(t)
	assert.True(t, w.IsRunning())

	resp := roundTrip(t, host, protocol.OpInitialize, protocol.NameParams{Name: "t1"})
	require.Empty(t, resp.Error)

	resp = roundTrip(t, host, protocol.OpCategoryAdd, core.Category{Name: "Food", Color: "#FF0000"})
	require.Empty(t, resp.Error)
	var id int64
	require.NoError(t, resp.Decode(&id))
	assert.Equal(t, int64(1), id)

	assert.Equal(t, int64(2), w.Stats().TotalRequests)
}

func TestWorker_StartTwiceFails(t *testing.T) {
	_, w := spawnTestWorker(t)

	err := w.Start(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestWorker_StopIsIdempotent(t *testing.T) {
	host, w := spawnTestWorker(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, w.Stop(ctx))
	assert.False(t, w.IsRunning())
	require.NoError(t, w.Stop(ctx))

	select {
	case <-host.Done():
	case <-ctx.Done():
		t.Fatal("stopping the worker should close the connection")
	}
	assert.NoError(t, w.Err())
}

func TestWorker_ExitsWhenHostCloses(t *testing.T) {
	host, w := spawnTestWorker(t)
	done := w.Done()
	require.NotNil(t, done)

	require.NoError(t, host.Close())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit after the host closed")
	}
	assert.False(t, w.IsRunning())
}

func TestWorker_StopClosesDatabase(t *testing.T) {
	d := dispatcher.New(dispatcher.Options{DataDir: t.TempDir(), Logger: log.Discard()})
	host, remote := transport.Pipe(0)
	w := New(d, remote, log.Discard())
	require.NoError(t, w.Start(context.Background()))

	resp := roundTrip(t, host, protocol.OpInitialize, protocol.NameParams{Name: "t1"})
	require.Empty(t, resp.Error)
	assert.Equal(t, dispatcher.StateReady, d.State())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))
	assert.Equal(t, dispatcher.StateUninitialized, d.State())
}
