// Copyright 2026 The gVisor Authors.
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

package prometheus

import (
	"bytes"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/common/expfmt"
)

func TestNumberString(t *testing.T) {
	for _, test := range []struct {
		n    Number
		want string
	}{
		{Number{}, "0"},
		{Number{Int: 42}, "42"},
		{Number{Int: -3}, "-3"},
		{Number{Float: 0.5}, "0.5"},
		{Number{Float: math.Inf(1)}, "+Inf"},
		{Number{Float: math.Inf(-1)}, "-Inf"},
		{Number{Float: math.NaN()}, "NaN"},
	} {
		if got := test.n.String(); got != test.want {
			t.Errorf("%+v.String() = %q, want %q", test.n, got, test.want)
		}
	}
}

func TestOrderedLabels(t *testing.T) {
	got, err := OrderedLabels(map[string]string{"le": "4", "op": "map"}, map[string]string{"arch": "x86_64"})
	if err != nil {
		t.Fatalf("OrderedLabels: %v", err)
	}
	want := []string{`arch="x86_64"`, `op="map"`, `le="4"`}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("OrderedLabels = %v, want %v", got, want)
	}
	if _, err := OrderedLabels(map[string]string{"op": "a"}, map[string]string{"op": "b"}); err == nil {
		t.Errorf("OrderedLabels with a duplicate label succeeded")
	}
}

func TestWriteParses(t *testing.T) {
	ops := &Metric{Name: "ops_total", Type: TypeCounter, Help: "Operations.\nBy name."}
	live := &Metric{Name: "spaces", Type: TypeGauge}
	chunks := &Metric{Name: "chunk_entries", Type: TypeHistogram, Help: "Entries per chunk."}
	s := &Snapshot{When: time.Unix(1000, 0)}
	s.Add(
		LabeledIntData(ops, map[string]string{"op": "map"}, 3),
		LabeledIntData(ops, map[string]string{"op": "unmap"}, 1),
		NewIntData(live, 2),
		&Data{Metric: chunks, HistogramValue: &Histogram{
			Total: Number{Int: 40},
			Buckets: []Bucket{
				{UpperBound: Number{Int: 8}, Samples: 1},
				{UpperBound: Number{Int: 32}, Samples: 1},
				{UpperBound: Number{Float: math.Inf(1)}},
			},
		}},
	)

	var buf bytes.Buffer
	n, err := Write(&buf, ExportOptions{CommentHeader: "test", ExporterPrefix: "vspace_"}, s)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != buf.Len() {
		t.Errorf("Write returned %d, wrote %d bytes", n, buf.Len())
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(&buf)
	if err != nil {
		t.Fatalf("output does not parse: %v\n%s", err, buf.String())
	}
	opsFamily, ok := families["vspace_ops_total"]
	if !ok {
		t.Fatalf("missing vspace_ops_total in %v", families)
	}
	if got := len(opsFamily.GetMetric()); got != 2 {
		t.Errorf("vspace_ops_total has %d series, want 2", got)
	}
	if got := families["vspace_spaces"].GetMetric()[0].GetGauge().GetValue(); got != 2 {
		t.Errorf("vspace_spaces = %v, want 2", got)
	}
	h := families["vspace_chunk_entries"].GetMetric()[0].GetHistogram()
	if h.GetSampleCount() != 2 || h.GetSampleSum() != 40 {
		t.Errorf("histogram count/sum = %d/%v, want 2/40", h.GetSampleCount(), h.GetSampleSum())
	}
	if got := h.GetBucket()[1].GetCumulativeCount(); got != 2 {
		t.Errorf("second bucket = %d, want 2", got)
	}
}

func TestWriteUnknownType(t *testing.T) {
	s := NewSnapshot().Add(NewIntData(&Metric{Name: "bad", Type: Type(42)}, 1))
	if _, err := Write(&bytes.Buffer{}, ExportOptions{}, s); err == nil {
		t.Errorf("Write with an unknown type succeeded")
	}
}
