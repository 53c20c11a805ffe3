package types

import "errors"

// ============================================================================
//                              ID 相关错误
// ============================================================================

var (
	// ErrEmptyPeerID 空节点 ID
	ErrEmptyPeerID = errors.New("empty peer ID")

	// ErrInvalidPeerID 无效的节点 ID
	ErrInvalidPeerID = errors.New("invalid peer ID")

	// ErrInvalidCircuitAddr 不是 <relay>/p2p-circuit/p2p/<target> 形式的地址
	ErrInvalidCircuitAddr = errors.New("invalid circuit address")

	// ErrMissingPeerID 地址缺少 /p2p/<id> 后缀
	ErrMissingPeerID = errors.New("address has no /p2p component")
)

// ============================================================================
//                              中继相关错误
// ============================================================================

var (
	// ErrNoReservation 目标节点没有有效预约，或预约已过期
	ErrNoReservation = errors.New("no reservation")

	// ErrAlreadyReserved 持有者已有有效预约，且中继配置为不替换
	ErrAlreadyReserved = errors.New("already reserved")

	// ErrCapacityExceeded 超过中继的预约或电路上限
	ErrCapacityExceeded = errors.New("capacity exceeded")
)

// ============================================================================
//                              传输相关错误
// ============================================================================

var (
	// ErrDialTimeout 拨号超时
	ErrDialTimeout = errors.New("dial timeout")

	// ErrIdentityMismatch 握手得到的对端身份与期望不符
	ErrIdentityMismatch = errors.New("identity mismatch")
)

// ============================================================================
//                              打洞相关错误
// ============================================================================

var (
	// ErrSynchronizationTimeout 地址交换或同步握手超时
	ErrSynchronizationTimeout = errors.New("synchronization timeout")

	// ErrAllDialsFailed 拨号竞速窗口内没有任何直连成功
	ErrAllDialsFailed = errors.New("all dials failed")
)

// ============================================================================
//                              测速相关错误
// ============================================================================

var (
	// ErrIncompleteTransfer 任一方向在传完 N 字节前连接关闭
	ErrIncompleteTransfer = errors.New("incomplete transfer")

	// ErrSizeMismatch 对端发送的字节数与请求不一致
	ErrSizeMismatch = errors.New("size mismatch")
)
