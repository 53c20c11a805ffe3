// Package natpmp 通过 NAT-PMP（RFC 6886）映射 TCP 监听端口
//
// 映射成功后得到的外部地址作为额外的打洞候选地址。网关不支持 NAT-PMP
// 时映射失败只记录日志，不影响中继与打洞流程。
//
// # 使用示例
//
//	m, err := natpmp.New(natpmp.Config{Lifetime: time.Hour})
//	if err != nil {
//	    return err
//	}
//	addr, err := m.MapTCP(4001)
//	defer m.Close()
package natpmp
