// Package perf 实现往返吞吐测速
//
// 每次测速占用一条流：
//
//	发送方 -> 接收方: 8 字节大端 N，随后 N 字节负载，然后半关闭
//	接收方 -> 发送方: 读满 N 字节后原样写回 N 字节，然后半关闭
//
// 发送方在收到全部回传字节时停止计时，带宽为 2N/elapsed。第一个回传
// 字节到达的时刻把会话分为上行与下行两段，分别给出单向带宽。
//
// 任一方向在 N 字节之前遇到 EOF 时会话以 ErrIncompleteTransfer 失败，
// 多出的字节得到 ErrSizeMismatch；失败会话不报告部分带宽。N 为 0 时
// 得到耗时为 0 的结果。
//
// 同一连接上可以顺序执行多次测速，每次打开一条新流。
package perf
