// Package identity 提供节点身份
//
// 身份是一对 Ed25519 密钥，PeerID 为序列化公钥的 sha2-256 multihash。
// 进程启动时构造一次，之后只读，显式传入需要它的组件。
//
// # 使用示例
//
//	id, err := identity.FromSeed(3)   // 确定性身份，key[0] = 3
//	id, err := identity.Generate()    // 随机身份
//	log.Info("本地节点", "peer", id.PeerID())
package identity
