package fusemd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeader(t *testing.T) {
	assert.Equal(t, "[00000000]", Header(0))
	assert.Equal(t, "[000000ff]", Header(255))
	assert.Equal(t, "[00010000]", Header(65536))
}

func TestFrameRoundTrip(t *testing.T) {
	env := Envelope{
		Type: EnvMD,
		MD: MD{
			Operation:  OpSet,
			MdIno:      42,
			MdPino:     1,
			Name:       "file.txt",
			ClientID:   "client-1",
			ClientUUID: "uuid-1",
			AuthID:     "auth-1",
			UID:        1000,
			GID:        1000,
			Mode:       0o644,
			Size:       4096,
			ReqID:      7,
			Attrs:      map[string]string{"user.tag": "x"},
		},
	}

	framed, err := Frame(&env)
	require.NoError(t, err)
	require.Equal(t, byte('['), framed[0])

	payload, err := ReadFrame(bytes.NewReader(framed))
	require.NoError(t, err)

	var got Envelope
	require.NoError(t, Decode(payload, &got))
	assert.Equal(t, env.MD.Name, got.MD.Name)
	assert.Equal(t, env.MD.MdIno, got.MD.MdIno)
	assert.Equal(t, env.MD.Attrs, got.MD.Attrs)
	assert.Equal(t, env.MD.ReqID, got.MD.ReqID)
}

func TestResponseRoundTrip(t *testing.T) {
	rsp := Response{
		Type: RespAck,
		Ack: Ack{
			Code:          AckPermanentFailure,
			ErrNo:         13,
			ErrMsg:        "permission denied",
			TransactionID: 99,
		},
	}

	framed, err := FrameResponse(&rsp)
	require.NoError(t, err)

	payload, err := ReadFrame(bytes.NewReader(framed))
	require.NoError(t, err)

	var got Response
	require.NoError(t, Decode(payload, &got))
	assert.Equal(t, RespAck, got.Type)
	assert.Equal(t, uint32(13), got.Ack.ErrNo)
	assert.Equal(t, "permission denied", got.Ack.ErrMsg)
}

func TestSplitFrames(t *testing.T) {
	var stream bytes.Buffer
	for i := 0; i < 3; i++ {
		framed, err := Frame(&Response{Type: RespNone})
		require.NoError(t, err)
		stream.Write(framed)
	}

	frames, err := SplitFrames(stream.Bytes())
	require.NoError(t, err)
	assert.Len(t, frames, 3)
}

func TestReadFrameMalformed(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte("x000000ff]garbage")))
	assert.Error(t, err)

	_, err = ReadFrame(bytes.NewReader([]byte("[zzzzzzzz]")))
	assert.Error(t, err)
}

func TestHeartbeatRoundTrip(t *testing.T) {
	env := Envelope{
		Type: EnvHeartbeat,
		Heartbeat: Heartbeat{
			UUID:        "mount-1",
			Clock:       1700000000,
			ProtVersion: ProtocolV3,
			LeaseTime:   300,
			AuthExtension: map[string]uint64{
				"auth-1": 60,
			},
			AuthRevocation: []string{"auth-2"},
		},
	}

	framed, err := Frame(&env)
	require.NoError(t, err)
	payload, err := ReadFrame(bytes.NewReader(framed))
	require.NoError(t, err)

	var got Envelope
	require.NoError(t, Decode(payload, &got))
	assert.Equal(t, env.Heartbeat.UUID, got.Heartbeat.UUID)
	assert.Equal(t, uint64(60), got.Heartbeat.AuthExtension["auth-1"])
	assert.Equal(t, []string{"auth-2"}, got.Heartbeat.AuthRevocation)
}
