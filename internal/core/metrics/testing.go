package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

// GatheredValue 汇总注册表中指定名称的全部样本值
//
// 计数器与仪表盘取值求和，直方图取样本数。
func GatheredValue(tb testing.TB, g prometheus.Gatherer, name string) float64 {
	tb.Helper()

	families, err := g.Gather()
	if err != nil {
		tb.Fatalf("gather: %v", err)
	}
	var sum float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				sum += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				sum += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				sum += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return sum
}
