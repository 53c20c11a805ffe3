package upgrader

import (
	"context"
	"fmt"
	"net"
	"time"

	mss "github.com/multiformats/go-multistream"
)

// defaultNegotiateTimeout 上下文没有截止时间时的协商超时
const defaultNegotiateTimeout = 60 * time.Second

// negotiate 使用 multistream-select 协商单个协议
//
// 客户端使用 SelectOneOf 依次提议，服务端使用 MultistreamMuxer.Negotiate。
func negotiate(ctx context.Context, conn net.Conn, isServer bool, protos ...string) (string, error) {
	deadline := time.Now().Add(defaultNegotiateTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return "", fmt.Errorf("set deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if isServer {
		m := mss.NewMultistreamMuxer[string]()
		for _, p := range protos {
			m.AddHandler(p, nil)
		}
		selected, _, err := m.Negotiate(conn)
		if err != nil {
			return "", fmt.Errorf("server negotiation: %w", err)
		}
		return selected, nil
	}

	selected, err := mss.SelectOneOf(protos, conn)
	if err != nil {
		return "", fmt.Errorf("client negotiation: %w", err)
	}
	return selected, nil
}
