// Package types 定义 dcutr-perf 的基础类型
//
// 这是整个系统的最底层包，不依赖任何其他内部包，所有类型都是值类型。
//
// # 文件组织
//
//   - ids.go        - PeerID, ProtocolID
//   - enums.go      - Direction
//   - multiaddr.go  - /p2p 与 /p2p-circuit 地址辅助函数
//   - errors.go     - 跨模块共享的错误分类
package types
