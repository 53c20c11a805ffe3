// Package lib 包含基础设施工具库
//
// 本目录包含与架构组件无关的通用工具库：
//
//   - msgio: 长度前缀消息读写
//   - proto: 网络消息定义（protobuf 线格式）
package lib
