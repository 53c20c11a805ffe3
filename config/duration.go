package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration 支持 JSON 字符串的 time.Duration
//
// 支持的格式:
//   - 字符串: "30s", "5m", "100ms"
//   - 数字: 纳秒数
//
// 同时实现 flag.Value，可直接绑定命令行参数。
type Duration time.Duration

// UnmarshalJSON 实现 json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.Set(s)
	}

	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*d = Duration(n)
		return nil
	}

	return fmt.Errorf("duration must be a string (e.g. \"30s\") or number (nanoseconds)")
}

// MarshalJSON 输出可读字符串
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Set 实现 flag.Value
func (d *Duration) Set(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration string %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Duration 返回底层的 time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String 返回字符串表示
func (d Duration) String() string {
	return time.Duration(d).String()
}
