package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	dto "github.com/prometheus/client_model/go"

	"github.com/dd0wney/cluso-crypt/pkg/metrics"
)

// dumpMetrics writes every sample in r as "name{labels}  value". Histograms
// are reported by their sample count.
func dumpMetrics(w io.Writer, r *metrics.Registry) error {
	r.UpdateSystemMetrics()
	families, err := r.GetPrometheusRegistry().Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			name := mf.GetName()
			var v float64
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				v = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				v = m.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				name += "_count"
				v = float64(m.GetHistogram().GetSampleCount())
			default:
				continue
			}
			fmt.Fprintf(tw, "%s%s\t%g\n", name, formatLabels(m.GetLabel()), v)
		}
	}
	return tw.Flush()
}

func formatLabels(pairs []*dto.LabelPair) string {
	if len(pairs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, fmt.Sprintf("%s=%q", p.GetName(), p.GetValue()))
	}
	sort.Strings(parts)
	return "{" + strings.Join(parts, ",") + "}"
}
