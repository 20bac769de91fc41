package download

import (
	"io"
	"sync"
)

// buffer 是一次下载的共享正文：写入方追加字节，任意数量的读者各自从头读取。
// 晚到的读者也能拿到完整内容，读者之间互不影响。
type buffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	data   []byte
	closed bool
	err    error
}

func newBuffer() *buffer {
	b := &buffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	b.data = append(b.data, p...)
	b.cond.Broadcast()
	return len(p), nil
}

// CloseWithError 结束写入；err 为 nil 时读者在读完后得到 io.EOF。
func (b *buffer) CloseWithError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.err = err
	b.cond.Broadcast()
}

// Bytes 返回当前内容；写入结束后返回值不再变化。
func (b *buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

func (b *buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

func (b *buffer) NewReader() io.ReadCloser {
	return &bufferReader{buf: b}
}

type bufferReader struct {
	buf    *buffer
	off    int
	closed bool
}

func (r *bufferReader) Read(p []byte) (int, error) {
	b := r.buf
	b.mu.Lock()
	defer b.mu.Unlock()
	if r.closed {
		return 0, io.ErrClosedPipe
	}
	for r.off >= len(b.data) && !b.closed {
		b.cond.Wait()
	}
	if r.off < len(b.data) {
		n := copy(p, b.data[r.off:])
		r.off += n
		return n, nil
	}
	if b.err != nil {
		return 0, b.err
	}
	return 0, io.EOF
}

func (r *bufferReader) Close() error {
	r.buf.mu.Lock()
	r.closed = true
	r.buf.mu.Unlock()
	return nil
}
