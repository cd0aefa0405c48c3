// Copyright 2022 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package prometheus writes metric snapshots in the Prometheus text
// exposition format, documented at:
// https://prometheus.io/docs/instrumenting/exposition_formats/
package prometheus

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// timeNow is the time.Now() function. Can be mocked in tests.
var timeNow = time.Now

// Type is a Prometheus metric type.
type Type int

// List of supported Prometheus metric types.
const (
	TypeUntyped = Type(iota)
	TypeGauge
	TypeCounter
	TypeHistogram
)

// String implements fmt.Stringer.String.
func (t Type) String() string {
	switch t {
	case TypeGauge:
		return "gauge"
	case TypeCounter:
		return "counter"
	case TypeHistogram:
		return "histogram"
	default:
		return "untyped"
	}
}

// Metric is a Prometheus metric metadata.
type Metric struct {
	// Name is the Prometheus metric name, without the exporter prefix.
	Name string

	// Type is the type of the metric.
	Type Type

	// Help is an optional helpful string explaining what the metric is about.
	Help string
}

// writeHeaderTo writes the metric comment header.
func (m *Metric) writeHeaderTo(w io.Writer, prefix string) error {
	if m.Help != "" {
		// Only backslashes and line breaks need escaping.
		help := strings.ReplaceAll(strings.ReplaceAll(m.Help, "\\", "\\\\"), "\n", "\\n")
		if _, err := fmt.Fprintf(w, "# HELP %s%s %s\n", prefix, m.Name, help); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "# TYPE %s%s %v\n", prefix, m.Name, m.Type)
	return err
}

// Number represents a numerical value. Integers are kept apart from floats so
// that counters stay exact; both are written out as Prometheus floats.
type Number struct {
	// Float is the float value of this number.
	// Mutually exclusive with Int.
	Float float64

	// Int is the integer value of this number.
	// Mutually exclusive with Float.
	Int int64
}

// String returns a string representation of this number.
func (n *Number) String() string {
	switch {
	case n.Float == 0:
		return strconv.FormatInt(n.Int, 10)
	case math.IsInf(n.Float, -1):
		return "-Inf"
	case math.IsInf(n.Float, 1):
		return "+Inf"
	case math.IsNaN(n.Float):
		return "NaN"
	default:
		return strconv.FormatFloat(n.Float, 'g', -1, 64)
	}
}

// Bucket is a single histogram bucket.
type Bucket struct {
	// UpperBound is the upper bound of the bucket. The last bucket of a
	// histogram should have +Inf here.
	UpperBound Number

	// Samples is the number of samples in the bucket alone. They are
	// exported cumulatively.
	Samples uint64
}

// Histogram contains data about histogram values.
type Histogram struct {
	// Total is the sum of sample values across all buckets.
	Total Number

	// Buckets contains per-bucket data, by increasing upper bound.
	Buckets []Bucket
}

// Data is an observation of the value of a single metric.
type Data struct {
	// Metric is the metric for which the value is being reported.
	Metric *Metric

	// Labels is a key-value pair representing the labels set on this metric.
	Labels map[string]string

	// Number is used for all numerical types.
	Number *Number

	// HistogramValue is used for histogram-typed metrics.
	HistogramValue *Histogram
}

// NewIntData returns a new Data struct with the given metric and value.
func NewIntData(metric *Metric, val int64) *Data {
	return &Data{Metric: metric, Number: &Number{Int: val}}
}

// LabeledIntData returns a new Data struct with the given metric, labels, and value.
func LabeledIntData(metric *Metric, labels map[string]string, val int64) *Data {
	return &Data{Metric: metric, Labels: labels, Number: &Number{Int: val}}
}

// OrderedLabels returns the list of 'label_key="label_value"' in sorted order,
// except "le" which is a reserved Prometheus label name and goes last.
func OrderedLabels(labels ...map[string]string) ([]string, error) {
	seen := make(map[string]struct{})
	var le string
	var ordered []string
	for _, labelMap := range labels {
		for k, v := range labelMap {
			if _, found := seen[k]; found {
				return nil, fmt.Errorf("duplicate label name %q", k)
			}
			seen[k] = struct{}{}
			if k == "le" {
				le = v
				continue
			}
			ordered = append(ordered, fmt.Sprintf("%s=%q", k, v))
		}
	}
	sort.Strings(ordered)
	if le != "" {
		ordered = append(ordered, fmt.Sprintf("le=%q", le))
	}
	return ordered, nil
}

// writeLine writes a single sample line.
func (d *Data) writeLine(w io.Writer, prefix, suffix string, val *Number, when time.Time, extra map[string]string) error {
	labels, err := OrderedLabels(d.Labels, extra)
	if err != nil {
		return err
	}
	var labelText string
	if len(labels) > 0 {
		labelText = "{" + strings.Join(labels, ",") + "}"
	}
	_, err = fmt.Fprintf(w, "%s%s%s%s %s %d\n", prefix, d.Metric.Name, suffix, labelText, val.String(), when.UnixMilli())
	return err
}

// writeTo writes the Data in Prometheus format.
func (d *Data) writeTo(w io.Writer, prefix string, when time.Time) error {
	switch d.Metric.Type {
	case TypeUntyped, TypeGauge, TypeCounter:
		if d.Number == nil {
			return fmt.Errorf("metric %s has no value", d.Metric.Name)
		}
		return d.writeLine(w, prefix, "", d.Number, when, nil)
	case TypeHistogram:
		if d.HistogramValue == nil {
			return fmt.Errorf("histogram %s has no value", d.Metric.Name)
		}
		var cumulative uint64
		for _, b := range d.HistogramValue.Buckets {
			cumulative += b.Samples
			if err := d.writeLine(w, prefix, "_bucket", &Number{Int: int64(cumulative)}, when, map[string]string{"le": b.UpperBound.String()}); err != nil {
				return err
			}
		}
		if err := d.writeLine(w, prefix, "_sum", &d.HistogramValue.Total, when, nil); err != nil {
			return err
		}
		return d.writeLine(w, prefix, "_count", &Number{Int: int64(cumulative)}, when, nil)
	default:
		return fmt.Errorf("unknown metric type for metric %s: %v", d.Metric.Name, d.Metric.Type)
	}
}

// Snapshot is a snapshot of the values of all the metrics at a certain point in time.
type Snapshot struct {
	// When is the timestamp at which the snapshot was taken.
	When time.Time

	// Data is the whole snapshot data. Each Data must be a unique
	// combination of (Metric, Labels).
	Data []*Data
}

// NewSnapshot returns a new Snapshot at the current time.
func NewSnapshot() *Snapshot {
	return &Snapshot{When: timeNow()}
}

// Add data point(s) to the snapshot.
// Returns itself for chainability.
func (s *Snapshot) Add(data ...*Data) *Snapshot {
	s.Data = append(s.Data, data...)
	return s
}

// ExportOptions contains options that control how metric data is exported.
type ExportOptions struct {
	// CommentHeader is prepended as a comment before any metric data is exported.
	CommentHeader string

	// ExporterPrefix is prepended to all metric names.
	ExporterPrefix string
}

// countingWriter implements io.Writer, and counts the number of bytes written to it.
type countingWriter struct {
	w       *bufio.Writer
	written int
}

// Write implements io.Writer.Write.
func (w *countingWriter) Write(b []byte) (int, error) {
	n, err := w.w.Write(b)
	w.written += n
	return n, err
}

// Written returns the number of bytes written to the underlying writer (minus buffered writes).
func (w *countingWriter) Written() int {
	return w.written - w.w.Buffered()
}

// Write writes the snapshot to w and returns the number of bytes written.
// Metrics are written in name order, each with a single preamble.
func Write(w io.Writer, options ExportOptions, s *Snapshot) (int, error) {
	cw := &countingWriter{w: bufio.NewWriter(w)}
	if options.CommentHeader != "" {
		for _, line := range strings.Split(options.CommentHeader, "\n") {
			if _, err := fmt.Fprintf(cw, "# %s\n", line); err != nil {
				return cw.Written(), err
			}
		}
	}

	byName := make(map[string][]*Data)
	var names []string
	for _, d := range s.Data {
		if _, ok := byName[d.Metric.Name]; !ok {
			names = append(names, d.Metric.Name)
		}
		byName[d.Metric.Name] = append(byName[d.Metric.Name], d)
	}
	sort.Strings(names)
	for _, name := range names {
		data := byName[name]
		if _, err := io.WriteString(cw, "\n"); err != nil {
			return cw.Written(), err
		}
		if err := data[0].Metric.writeHeaderTo(cw, options.ExporterPrefix); err != nil {
			return cw.Written(), err
		}
		for _, d := range data {
			if err := d.writeTo(cw, options.ExporterPrefix, s.When); err != nil {
				return cw.Written(), err
			}
		}
	}
	if err := cw.w.Flush(); err != nil {
		return cw.Written(), err
	}
	return cw.Written(), nil
}
