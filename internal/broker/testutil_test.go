package broker

import (
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridianfs/meridian/internal/namespace"
	"github.com/meridianfs/meridian/internal/namespace/memory"
	"github.com/meridianfs/meridian/internal/protocol/fusemd"
)

// fakeTransport records every message sent to each client identity.
type fakeTransport struct {
	mu   sync.Mutex
	sent map[string][]fusemd.Response
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(map[string][]fusemd.Response)}
}

func (t *fakeTransport) Reply(clientID string, data []byte) error {
	frames, err := fusemd.SplitFrames(data)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, payload := range frames {
		var rsp fusemd.Response
		if err := fusemd.Decode(payload, &rsp); err != nil {
			return err
		}
		t.sent[clientID] = append(t.sent[clientID], rsp)
	}
	return nil
}

// messages returns the recorded messages for a client, optionally filtered
// by response type.
func (t *fakeTransport) messages(clientID string, types ...uint32) []fusemd.Response {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(types) == 0 {
		return append([]fusemd.Response(nil), t.sent[clientID]...)
	}
	var out []fusemd.Response
	for _, rsp := range t.sent[clientID] {
		for _, typ := range types {
			if rsp.Type == typ {
				out = append(out, rsp)
			}
		}
	}
	return out
}

func (t *fakeTransport) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = make(map[string][]fusemd.Response)
}

type testEnv struct {
	broker    *Broker
	transport *fakeTransport
	store     *memory.Store
	oracle    *namespace.StaticOracle
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	transport := newFakeTransport()
	store := memory.New()
	oracle := namespace.NewStaticOracle()
	b := New(Options{
		Namespace: store,
		Quota:     oracle,
		Transport: transport,
		Registry: RegistryConfig{
			HeartbeatInterval: time.Second,
			HeartbeatWindow:   5 * time.Second,
			OfflineWindow:     30 * time.Second,
			RemoveWindow:      120 * time.Second,
		},
	})
	return &testEnv{broker: b, transport: transport, store: store, oracle: oracle}
}

// connect registers a client session via heartbeat.
func (e *testEnv) connect(t *testing.T, identity, uuid string) {
	t.Helper()
	now := time.Now()
	e.broker.HandleHeartbeat(identity, &fusemd.Heartbeat{
		UUID:        uuid,
		Clock:       uint64(now.Unix()),
		ClockNS:     uint32(now.Nanosecond()),
		ProtVersion: fusemd.ProtocolCurrent,
		LeaseTime:   300,
	})
}

// request runs a metadata request and returns the decoded reply frames.
func (e *testEnv) request(t *testing.T, identity string, md *fusemd.MD) []fusemd.Container {
	t.Helper()
	data, err := e.broker.HandleMD(identity, md)
	require.NoError(t, err)
	frames, err := fusemd.SplitFrames(data)
	require.NoError(t, err)
	out := make([]fusemd.Container, 0, len(frames))
	for _, payload := range frames {
		var cont fusemd.Container
		require.NoError(t, fusemd.Decode(payload, &cont))
		out = append(out, cont)
	}
	return out
}

// ack runs a mutation and returns the decoded ack.
func (e *testEnv) ack(t *testing.T, identity string, md *fusemd.MD) fusemd.Ack {
	t.Helper()
	data, err := e.broker.HandleMD(identity, md)
	require.NoError(t, err)
	frames, err := fusemd.SplitFrames(data)
	require.NoError(t, err)
	require.NotEmpty(t, frames)
	var rsp fusemd.Response
	require.NoError(t, fusemd.Decode(frames[0], &rsp))
	require.Equal(t, fusemd.RespAck, rsp.Type)
	return rsp.Ack
}

// mkdirRoot creates a directory under the root as uid 0 and returns its
// inode.
func (e *testEnv) mkdirRoot(t *testing.T, name string, mode uint32, uid, gid uint32) uint64 {
	t.Helper()
	now := time.Now()
	ack := e.ack(t, "root-client", &fusemd.MD{
		Operation:  fusemd.OpSet,
		MdPino:     e.store.Root(),
		Name:       name,
		Mode:       mode | syscall.S_IFDIR,
		UID:        0,
		GID:        0,
		CTime:      uint64(now.Unix()),
		MTime:      uint64(now.Unix()),
		BTime:      uint64(now.Unix()),
		ClientID:   "root-client",
		ClientUUID: "root-uuid",
		ReqID:      1,
	})
	require.Equal(t, fusemd.AckOK, ack.Code)
	require.NotZero(t, ack.MdIno)

	// fix ownership after creation as requested
	dir, err := e.store.GetContainer(ack.MdIno)
	require.NoError(t, err)
	dir.UID = uid
	dir.GID = gid
	require.NoError(t, e.store.UpdateContainer(dir))
	return ack.MdIno
}

// getcap issues a cap on a container for the given identity.
func (e *testEnv) getcap(t *testing.T, identity, clientUUID string, ino uint64, uid, gid uint32) fusemd.Cap {
	t.Helper()
	conts := e.request(t, identity, &fusemd.MD{
		Operation:  fusemd.OpGetCap,
		MdIno:      ino,
		UID:        uid,
		GID:        gid,
		ClientID:   identity,
		ClientUUID: clientUUID,
	})
	require.Len(t, conts, 1)
	require.Equal(t, fusemd.ContainerCap, conts[0].Type)
	require.NotEmpty(t, conts[0].Cap.AuthID)
	return conts[0].Cap
}
