package lsp

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lockedBuffer is a bytes.Buffer safe for concurrent writers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func TestStreamTransport_ConcurrentWritesDoNotInterleave(t *testing.T) {
	const writers = 8
	const perWriter = 25

	var out lockedBuffer
	tr := NewStreamTransport(eofReader{}, &out, nil)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			payload := []byte(`{"writer":` + strings.Repeat("9", w+1) + `}`)
			for i := 0; i < perWriter; i++ {
				assert.NoError(t, tr.Write(payload))
			}
		}(w)
	}
	wg.Wait()

	f := NewFramer(bytes.NewReader(out.Bytes()))
	count := 0
	for {
		payload, err := f.ReadMessage()
		if err != nil {
			break
		}
		require.True(t, strings.HasPrefix(string(payload), `{"writer":`), "corrupt frame %q", payload)
		require.True(t, strings.HasSuffix(string(payload), `}`), "corrupt frame %q", payload)
		count++
	}
	assert.Equal(t, writers*perWriter, count)
}

func TestStreamTransport_WriteAfterClose(t *testing.T) {
	closed := 0
	tr := NewStreamTransport(eofReader{}, &bytes.Buffer{}, closerFunc(func() error {
		closed++
		return nil
	}))

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.Equal(t, 1, closed)
	assert.True(t, tr.IsClosed())
	assert.ErrorIs(t, tr.Write([]byte("{}")), ErrConnectionClosed)
}

func TestStartProcess_EmptyCommand(t *testing.T) {
	_, err := StartProcess(ProcessConfig{}, nil)
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "spawn", terr.Op)
}

func TestStartProcess_MissingExecutable(t *testing.T) {
	_, err := StartProcess(ProcessConfig{Command: "/nonexistent/server"}, nil)
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "start", terr.Op)
	assert.Equal(t, "/nonexistent/server", terr.Command)
}

func TestProcessTransport_Echo(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}

	p, err := StartProcess(ProcessConfig{Command: "cat", KillTimeout: time.Second}, nil)
	require.NoError(t, err)
	assert.Positive(t, p.Pid())

	require.NoError(t, p.Write([]byte(`{"jsonrpc":"2.0","method":"echo"}`)))

	f := NewFramer(p.Reader())
	payload, err := f.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"jsonrpc":"2.0","method":"echo"}`, string(payload))

	require.NoError(t, p.Close())
	select {
	case <-p.Exited():
	case <-time.After(2 * time.Second):
		t.Fatal("process not reaped after Close")
	}
	assert.ErrorIs(t, p.Write([]byte("{}")), ErrConnectionClosed)
}

func TestProcessTransport_ConnectionOverProcess(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}

	// cat echoes our own notification back, which the connection then
	// dispatches as an incoming notification.
	p, err := StartProcess(ProcessConfig{Command: "cat", KillTimeout: time.Second}, nil)
	require.NoError(t, err)

	got := make(chan string, 1)
	conn := NewConnection(p, WithName("cat"), WithHandler("$/ping", func(_ context.Context, msg *Message) error {
		got <- string(msg.Params)
		return nil
	}))
	conn.Start()
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.Notify("$/ping", map[string]int{"n": 1}))
	select {
	case params := <-got:
		assert.JSONEq(t, `{"n":1}`, params)
	case <-time.After(2 * time.Second):
		t.Fatal("echoed notification not dispatched")
	}

	require.NoError(t, conn.Close())
	<-conn.Done()
}
