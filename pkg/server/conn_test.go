package server

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linechat/linechat/pkg/protocol"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory Conn for unit tests. Frames written by the server
// accumulate in sent; frames for the server to read are pushed into in.
type fakeConn struct {
	mu         sync.Mutex
	sent       [][]byte
	failWrites bool

	in        chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) Receive() ([]byte, error) {
	select {
	case payload, ok := <-f.in:
		if !ok {
			return nil, protocol.ErrConnectionClosed
		}
		return payload, nil
	case <-f.closed:
		return nil, protocol.ErrConnectionClosed
	}
}

func (f *fakeConn) Transfer(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errors.New("write failed")
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	f.sent = append(f.sent, buf)
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) RemoteAddr() string { return "fake:0" }

// updates decodes everything written to the conn so far.
func (f *fakeConn) updates(t *testing.T) []protocol.Update {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]protocol.Update, 0, len(f.sent))
	for _, payload := range f.sent {
		u, err := protocol.DecodeUpdate(payload)
		require.NoError(t, err)
		out = append(out, *u)
	}
	return out
}

// lastUpdate waits until at least one frame was written and returns the most
// recent one.
func (f *fakeConn) lastUpdate(t *testing.T) protocol.Update {
	t.Helper()
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.sent) > 0
	}, time.Second, 5*time.Millisecond)

	updates := f.updates(t)
	return updates[len(updates)-1]
}
