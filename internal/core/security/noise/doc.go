// Package noise 实现 Noise XX 安全通道
//
// 握手流程：
//
//	-> e
//	<- e, ee, s, es, payload
//	-> s, se, payload
//
// payload 携带序列化的 Ed25519 身份公钥和对 X25519 静态公钥的签名，
// 双方据此把加密通道绑定到 PeerID。握手完成后每帧为 2 字节长度前缀
// 加 ChaCha20-Poly1305 密文。
//
// # 使用示例
//
//	tr := noise.New(id)
//	sc, err := tr.SecureOutbound(ctx, raw, expectedPeer)
//	if err != nil {
//	    return err
//	}
//	defer sc.Close()
package noise
