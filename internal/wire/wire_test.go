package wire

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/auth-garden-go/pkg/util/merr"
)

func TestFrameRoundTrip(t *testing.T) {
	f := NewFramer(0)
	var buf bytes.Buffer

	payload := NewWriter(OpLogin).
		WriteInt64(42).
		WriteString("qa01").
		WriteUint8(1).
		Bytes()

	require.NoError(t, f.WriteFrame(&buf, payload))

	got, err := f.ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	r := NewReader(got)
	op, err := r.Opcode()
	require.NoError(t, err)
	assert.Equal(t, OpLogin, op)

	id, err := r.ReadInt64()
	require.NoError(t, err)
	assert.EqualValues(t, 42, id)

	name, err := r.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "qa01", name)

	billing, err := r.ReadByte()
	require.NoError(t, err)
	assert.EqualValues(t, 1, billing)
}

func TestFrameLengthIncludesHeader(t *testing.T) {
	f := NewFramer(0)
	var buf bytes.Buffer

	require.NoError(t, f.WriteFrame(&buf, []byte{0x01, 0x02, 0x03}))

	raw := buf.Bytes()
	require.Len(t, raw, 5)
	// 小端长度含 2 字节帧头。
	assert.Equal(t, byte(5), raw[0])
	assert.Equal(t, byte(0), raw[1])
}

func TestReadFrameTooShort(t *testing.T) {
	f := NewFramer(0)

	_, err := f.ReadFrame(bytes.NewReader([]byte{0x02, 0x00}))
	assert.ErrorIs(t, err, merr.ErrWireFrameTooShort)
}

func TestReadFrameTooLarge(t *testing.T) {
	f := NewFramer(8)
	var buf bytes.Buffer

	assert.ErrorIs(t, f.WriteFrame(&buf, make([]byte, 9)), merr.ErrWireFrameTooLarge)

	_, err := f.ReadFrame(bytes.NewReader([]byte{0xFF, 0xFF}))
	assert.ErrorIs(t, err, merr.ErrWireFrameTooLarge)
}

func TestReaderTruncation(t *testing.T) {
	r := NewReader([]byte{0x01})
	_, err := r.ReadByte()
	require.NoError(t, err)

	_, err = r.ReadInt32()
	assert.ErrorIs(t, err, merr.ErrWireTruncatedField)

	// 长度前缀声明的字节数超过剩余载荷。
	r = NewReader([]byte{0x05, 0x00, 'a', 'b'})
	_, err = r.ReadString()
	assert.ErrorIs(t, err, merr.ErrWireTruncatedField)
}

func TestDispatcher(t *testing.T) {
	d := NewDispatcher(AuthMaxOpcode)

	var gotID int64
	require.NoError(t, d.Register(OpLogin, func(ctx context.Context, r *Reader) error {
		id, err := r.ReadInt64()
		gotID = id
		return err
	}))

	// 同一操作码重复注册。
	assert.ErrorIs(t, d.Register(OpLogin, func(ctx context.Context, r *Reader) error { return nil }),
		merr.ErrParameterInvalid)

	payload := NewWriter(OpLogin).WriteInt64(7).Bytes()
	require.NoError(t, d.Dispatch(context.Background(), payload))
	assert.EqualValues(t, 7, gotID)
}

func TestDispatcherRejectsOutOfRangeOpcode(t *testing.T) {
	d := NewDispatcher(AuthMaxOpcode)

	payload := []byte{byte(AuthMaxOpcode) + 1}
	err := d.Dispatch(context.Background(), payload)
	assert.ErrorIs(t, err, merr.ErrWireOpcodeOutOfRange)

	// 注册表为空的合法操作码同样拒绝。
	err = d.Dispatch(context.Background(), []byte{byte(OpLogout)})
	assert.ErrorIs(t, err, merr.ErrWireOpcodeOutOfRange)
}

func TestReasonOf(t *testing.T) {
	assert.Equal(t, ReasonOK, ReasonOf(nil))
	assert.Equal(t, ReasonAlreadyLoggedIn, ReasonOf(merr.WrapErrSessionDuplicate("qa01", "LoggedIn")))
	assert.Equal(t, ReasonGuardUnavailable, ReasonOf(merr.ErrGuardLinkDown))
	assert.Equal(t, ReasonStaleConfirm, ReasonOf(merr.WrapErrSessionStale("qa01", 2, 1)))
	assert.Equal(t, ReasonSystemError, ReasonOf(assert.AnError))
}
