package host

// Notifiee 连接事件订阅者
//
// 回调在连接的处理 goroutine 中同步执行，耗时操作应自行另起 goroutine。
type Notifiee interface {
	Connected(c *Conn)
	Disconnected(c *Conn)
}

// NotifyBundle 以函数字段实现 Notifiee
type NotifyBundle struct {
	ConnectedF    func(c *Conn)
	DisconnectedF func(c *Conn)
}

var _ Notifiee = (*NotifyBundle)(nil)

// Connected 实现 Notifiee
func (nb *NotifyBundle) Connected(c *Conn) {
	if nb.ConnectedF != nil {
		nb.ConnectedF(c)
	}
}

// Disconnected 实现 Notifiee
func (nb *NotifyBundle) Disconnected(c *Conn) {
	if nb.DisconnectedF != nil {
		nb.DisconnectedF(c)
	}
}
