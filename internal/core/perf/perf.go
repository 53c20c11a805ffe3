package perf

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dep2p/dcutr-perf/pkg/types"
)

const (
	headerSize = 8
	chunkSize  = 64 * 1024

	// DefaultMaxPayload 接收方默认接受的最大 N
	DefaultMaxPayload = 256 << 20
)

// Stream 测速使用的流，*host.Stream 与 *net.TCPConn 都满足
type Stream interface {
	io.ReadWriter
	CloseWrite() error
	SetDeadline(t time.Time) error
}

// pattern 负载内容，按偏移重复
var pattern = func() []byte {
	b := make([]byte, chunkSize)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}()

// abortOnDone ctx 结束时让阻塞的读写立即返回
func abortOnDone(ctx context.Context, s Stream) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		_ = s.SetDeadline(time.Unix(1, 0))
	})
}

// ============================================================================
//                              发送方
// ============================================================================

// Send 发送 N 字节并读回 N 字节，返回计时结果
//
// 失败时不返回部分结果。
func Send(ctx context.Context, s Stream, n uint64) (*Result, error) {
	res := &Result{
		ID:    uuid.NewString(),
		Role:  RoleSender,
		Bytes: n,
	}

	g, gctx := errgroup.WithContext(ctx)
	stop := abortOnDone(gctx, s)
	defer stop()

	var firstByte time.Time
	res.Start = time.Now()

	g.Go(func() error {
		var hdr [headerSize]byte
		binary.BigEndian.PutUint64(hdr[:], n)
		if _, err := s.Write(hdr[:]); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
		sent, err := writePayload(s, n)
		res.Sent = sent
		if err != nil {
			return fmt.Errorf("%w: sent %d of %d bytes: %v", types.ErrIncompleteTransfer, sent, n, err)
		}
		return s.CloseWrite()
	})

	g.Go(func() error {
		received, first, err := readPayload(s, n)
		res.Received = received
		firstByte = first
		return err
	})

	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	res.End = time.Now()
	if n == 0 {
		res.End = res.Start
		return res, nil
	}
	res.Upload = firstByte.Sub(res.Start)
	res.Download = res.End.Sub(firstByte)
	return res, nil
}

// writePayload 写出 n 字节的负载
func writePayload(w io.Writer, n uint64) (uint64, error) {
	var sent uint64
	for sent < n {
		chunk := pattern
		if rem := n - sent; rem < uint64(len(chunk)) {
			chunk = chunk[:rem]
		}
		k, err := w.Write(chunk)
		sent += uint64(k)
		if err != nil {
			return sent, err
		}
	}
	return sent, nil
}

// readPayload 读满 n 字节并确认对端随后关闭，返回第一个字节到达的时刻
func readPayload(r io.Reader, n uint64) (uint64, time.Time, error) {
	buf := make([]byte, chunkSize)
	var (
		received uint64
		first    time.Time
	)
	for received < n {
		want := buf
		if rem := n - received; rem < uint64(len(want)) {
			want = want[:rem]
		}
		k, err := r.Read(want)
		if k > 0 && first.IsZero() {
			first = time.Now()
		}
		received += uint64(k)
		if err != nil {
			if received == n {
				break
			}
			return received, first, incomplete(received, n, err)
		}
	}
	if err := expectEOF(r); err != nil {
		return received, first, err
	}
	return received, first, nil
}

// expectEOF 负载之后对端必须半关闭
func expectEOF(r io.Reader) error {
	var extra [1]byte
	k, err := r.Read(extra[:])
	if k > 0 {
		return fmt.Errorf("%w: peer sent more than announced", types.ErrSizeMismatch)
	}
	if err == nil {
		// 零字节读取，再试一次
		return expectEOF(r)
	}
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func incomplete(got, want uint64, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: got %d of %d bytes", types.ErrIncompleteTransfer, got, want)
	}
	return fmt.Errorf("%w: got %d of %d bytes: %v", types.ErrIncompleteTransfer, got, want, err)
}

// ============================================================================
//                              接收方
// ============================================================================

// Receive 读取请求头与 N 字节负载，原样写回后半关闭
//
// maxPayload 为 0 时使用 DefaultMaxPayload。
func Receive(ctx context.Context, s Stream, maxPayload uint64) (*Result, error) {
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}
	stop := abortOnDone(ctx, s)
	defer stop()

	res := &Result{
		ID:   uuid.NewString(),
		Role: RoleReceiver,
	}

	var hdr [headerSize]byte
	if k, err := io.ReadFull(s, hdr[:]); err != nil {
		return nil, fail(ctx, fmt.Errorf("%w: header %d of %d bytes", types.ErrIncompleteTransfer, k, headerSize))
	}
	n := binary.BigEndian.Uint64(hdr[:])
	if n > maxPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, n, maxPayload)
	}
	res.Bytes = n
	res.Start = time.Now()

	chunks, got, err := readChunks(s, n)
	res.Received = got
	if err != nil {
		return nil, fail(ctx, incomplete(got, n, err))
	}
	if err := expectEOF(s); err != nil {
		return nil, fail(ctx, err)
	}
	read := time.Now()

	echoed, err := writeChunks(s, chunks)
	res.Sent = echoed
	if err != nil {
		return nil, fail(ctx, fmt.Errorf("%w: echoed %d of %d bytes: %v", types.ErrIncompleteTransfer, echoed, n, err))
	}
	if err := s.CloseWrite(); err != nil {
		return nil, fail(ctx, err)
	}

	res.End = time.Now()
	if n == 0 {
		res.End = res.Start
		return res, nil
	}
	res.Upload = read.Sub(res.Start)
	res.Download = res.End.Sub(read)
	return res, nil
}

// readChunks 按块读满 n 字节，内存随实际到达的数据增长而不是按请求头预分配
func readChunks(r io.Reader, n uint64) ([][]byte, uint64, error) {
	var (
		chunks [][]byte
		got    uint64
	)
	for got < n {
		size := uint64(chunkSize)
		if rem := n - got; rem < size {
			size = rem
		}
		buf := make([]byte, size)
		k, err := io.ReadFull(r, buf)
		got += uint64(k)
		if err != nil {
			return nil, got, err
		}
		chunks = append(chunks, buf)
	}
	return chunks, got, nil
}

func writeChunks(w io.Writer, chunks [][]byte) (uint64, error) {
	var sent uint64
	for _, c := range chunks {
		k, err := w.Write(c)
		sent += uint64(k)
		if err != nil {
			return sent, err
		}
	}
	return sent, nil
}

// fail ctx 已结束时以 ctx 的错误为准
func fail(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
