package wire

import (
	"encoding/binary"

	"github.com/lk2023060901/auth-garden-go/pkg/util/merr"
)

// Writer 按小端字节序拼装一条载荷。
// 第一个写入的字节应为操作码。
type Writer struct {
	buf []byte
}

// NewWriter 创建一个以 op 开头的载荷写入器。
func NewWriter(op Opcode) *Writer {
	w := &Writer{buf: make([]byte, 0, 64)}
	w.buf = append(w.buf, byte(op))
	return w
}

func (w *Writer) WriteUint8(v byte) *Writer {
	w.buf = append(w.buf, v)
	return w
}

func (w *Writer) WriteUint16(v uint16) *Writer {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
	return w
}

func (w *Writer) WriteUint32(v uint32) *Writer {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
	return w
}

func (w *Writer) WriteInt32(v int32) *Writer {
	return w.WriteUint32(uint32(v))
}

func (w *Writer) WriteInt64(v int64) *Writer {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, uint64(v))
	return w
}

// WriteString 写入 2 字节长度前缀 + UTF-8 字节。
func (w *Writer) WriteString(v string) *Writer {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, uint16(len(v)))
	w.buf = append(w.buf, v...)
	return w
}

// WriteBytes 写入 2 字节长度前缀 + 原始字节。
func (w *Writer) WriteBytes(v []byte) *Writer {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, uint16(len(v)))
	w.buf = append(w.buf, v...)
	return w
}

// Bytes 返回拼装完成的载荷。
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Reader 按小端字节序解析一条载荷。
// 任何一次读取越界都会返回 ErrWireTruncatedField。
type Reader struct {
	buf []byte
	pos int
}

// NewReader 创建载荷读取器。调用方应已消费操作码字节，
// 或使用 Opcode() 读取后再继续。
func NewReader(payload []byte) *Reader {
	return &Reader{buf: payload}
}

// Opcode 读取载荷第一个字节作为操作码并前移。
func (r *Reader) Opcode() (Opcode, error) {
	b, err := r.ReadByte()
	return Opcode(b), err
}

func (r *Reader) remain() int {
	return len(r.buf) - r.pos
}

func (r *Reader) ReadByte() (byte, error) {
	if r.remain() < 1 {
		return 0, merr.WrapErrWireTruncatedField("byte")
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *Reader) ReadUint16() (uint16, error) {
	if r.remain() < 2 {
		return 0, merr.WrapErrWireTruncatedField("uint16")
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	if r.remain() < 4 {
		return 0, merr.WrapErrWireTruncatedField("uint32")
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

func (r *Reader) ReadInt64() (int64, error) {
	if r.remain() < 8 {
		return 0, merr.WrapErrWireTruncatedField("int64")
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return int64(v), nil
}

// ReadString 读取 2 字节长度前缀 + UTF-8 字节。
func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadBytes 读取 2 字节长度前缀 + 原始字节。
// 返回的切片引用底层载荷，调用方不应修改。
func (r *Reader) ReadBytes() ([]byte, error) {
	size, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	if r.remain() < int(size) {
		return nil, merr.WrapErrWireTruncatedField("bytes")
	}
	b := r.buf[r.pos : r.pos+int(size)]
	r.pos += int(size)
	return b, nil
}
