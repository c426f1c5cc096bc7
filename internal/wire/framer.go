package wire

import (
	"encoding/binary"
	"io"

	"github.com/lk2023060901/auth-garden-go/pkg/util/merr"
)

// 帧格式：2 字节小端无符号整型（表示整帧长度，含这 2 个字节自身）+ 载荷。
// 载荷的第一个字节为操作码。
const (
	headerSize = 2

	// defaultMaxPayloadSize 为默认允许的最大载荷长度，单位字节。
	defaultMaxPayloadSize = 4096
)

// Framer 负责在字节流上读写长度前缀帧。
type Framer struct {
	// MaxPayloadSize 为允许的最大载荷长度（不含帧头），为 0 时使用默认值。
	MaxPayloadSize int
}

// NewFramer 创建一个帧编码器。maxPayloadSize 为 0 时使用默认值。
func NewFramer(maxPayloadSize int) *Framer {
	if maxPayloadSize <= 0 {
		maxPayloadSize = defaultMaxPayloadSize
	}
	return &Framer{MaxPayloadSize: maxPayloadSize}
}

func (f *Framer) effectiveMaxSize() int {
	if f.MaxPayloadSize <= 0 {
		return defaultMaxPayloadSize
	}
	return f.MaxPayloadSize
}

// WriteFrame 将载荷打包为一帧并写入 w。
func (f *Framer) WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return merr.WrapErrParameterInvalidMsg("empty frame payload")
	}
	if len(payload) > f.effectiveMaxSize() {
		return merr.ErrWireFrameTooLarge
	}

	var header [headerSize]byte
	binary.LittleEndian.PutUint16(header[:], uint16(len(payload)+headerSize))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame 从 r 中读取一帧并返回载荷。
// 载荷第一个字节为操作码，由上层调度。
func (f *Framer) ReadFrame(r io.Reader) ([]byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	total := int(binary.LittleEndian.Uint16(header[:]))
	if total <= headerSize {
		return nil, merr.ErrWireFrameTooShort
	}
	size := total - headerSize
	if size > f.effectiveMaxSize() {
		return nil, merr.ErrWireFrameTooLarge
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
