package natpmp

import (
	"errors"
	"fmt"
)

var (
	// ErrNoGateway 未找到网关
	ErrNoGateway = errors.New("natpmp: no gateway found")

	// ErrClosed 映射器已关闭
	ErrClosed = errors.New("natpmp: mapper closed")
)

// MappingError 端口映射错误
type MappingError struct {
	Port  int
	Cause error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("natpmp: mapping tcp port %d failed: %v", e.Port, e.Cause)
}

func (e *MappingError) Unwrap() error {
	return e.Cause
}
