package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/meshrelay/internal/codec"
	"github.com/pscheid92/meshrelay/internal/frame"
	"github.com/pscheid92/meshrelay/internal/mesh"
	"github.com/pscheid92/meshrelay/internal/producer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const triangle = `{"vertices":[[0,0,0],[1,0,0],[0,1,0]],"faces":[[0,1,2]]}`

// startRelay decodes every frame sent to it onto the returned channel.
func startRelay(t *testing.T) (string, <-chan []byte) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	payloads := make(chan []byte, 16)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				asm := frame.NewAssembler(0)
				dec := codec.NewDecompressor(0)
				buf := make([]byte, 4096)
				for {
					n, err := conn.Read(buf)
					frames, _ := asm.Feed(buf[:n])
					for _, f := range frames {
						if p, derr := dec.Decompress(f); derr == nil {
							payloads <- p
						}
					}
					if err != nil {
						return
					}
				}
			}()
		}
	}()
	return ln.Addr().String(), payloads
}

func nextPayload(t *testing.T, ch <-chan []byte) *mesh.Snapshot {
	t.Helper()
	select {
	case p := <-ch:
		s, err := mesh.Parse(p)
		require.NoError(t, err)
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return nil
	}
}

func newTestSender(t *testing.T, addr string, interval time.Duration) *sender {
	t.Helper()
	client := producer.NewClient(producer.Options{Addr: addr}, clockwork.NewRealClock())
	t.Cleanup(func() { _ = client.Close() })
	return newSender(client, clockwork.NewRealClock(), interval)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestSender_SendFile(t *testing.T) {
	addr, payloads := startRelay(t)
	s := newTestSender(t, addr, 0)

	path := filepath.Join(t.TempDir(), "mesh.json")
	writeFile(t, path, triangle)

	require.NoError(t, s.sendFile(context.Background(), path))
	snap := nextPayload(t, payloads)
	assert.Len(t, snap.Vertices, 3)
	assert.Len(t, snap.Faces, 1)

	require.NoError(t, s.sendFile(context.Background(), path))
	assert.Equal(t, 1, s.client.Stats().PacketsSent)
	assert.Equal(t, 1, s.client.Stats().Skipped)
}

func TestSender_InvalidFileIsNotSent(t *testing.T) {
	addr, _ := startRelay(t)
	s := newTestSender(t, addr, 0)
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.json")
	writeFile(t, bad, `{"vertices":[[0,0,0]],"faces":[[0,0,5]]}`)
	good := filepath.Join(dir, "good.json")
	writeFile(t, good, triangle)

	assert.ErrorIs(t, s.sendFile(context.Background(), bad), mesh.ErrInvalidSnapshot)
	assert.Error(t, s.sendFile(context.Background(), filepath.Join(dir, "missing.json")))

	assert.Equal(t, 2, s.sendAll(context.Background(), []string{bad, good, filepath.Join(dir, "missing.json")}))
	assert.Equal(t, 1, s.client.Stats().PacketsSent)
}

func TestSender_WatchResendsChangedFile(t *testing.T) {
	addr, payloads := startRelay(t)
	s := newTestSender(t, addr, 10*time.Millisecond)

	path := filepath.Join(t.TempDir(), "mesh.json")
	writeFile(t, path, triangle)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.watch(ctx, []string{path}) }()

	// Give the watcher time to register before changing the file.
	time.Sleep(50 * time.Millisecond)
	writeFile(t, path, `{"vertices":[[0,0,0],[2,0,0],[0,2,0],[2,2,0]],"faces":[[0,1,2],[1,3,2]]}`)

	snap := nextPayload(t, payloads)
	assert.Len(t, snap.Vertices, 4)

	cancel()
	require.NoError(t, <-done)
}
