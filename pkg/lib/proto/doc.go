// Package proto 定义跨网络传输的协议消息（wire format）
//
// 各子包的消息按 protobuf 线格式手工编解码（google.golang.org/protobuf/encoding/protowire），
// 字段编号与对应的 .proto 定义保持一致，可与其他语言的实现互通：
//
//   - noise: Noise 握手负载（身份公钥 + 签名）
//   - identify: 身份识别（监听地址、观测地址）
//   - relay: 中继 HOP / STOP 消息
//   - holepunch: 打洞地址交换与同步消息
//
// 所有子包约定：
//   - Marshal() ([]byte, error) / Unmarshal([]byte) error
//   - 未知字段跳过，必填字段缺失时返回 ErrMalformed
package proto
