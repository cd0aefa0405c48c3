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

package vspace

import (
	"fmt"
	"io"
	"math"
	"sync/atomic"

	"vspace.dev/vspace/pkg/errors"
	"vspace.dev/vspace/pkg/errors/vmerr"
	"vspace.dev/vspace/pkg/prometheus"
)

// op identifies a counted operation.
type op int

const (
	opMap op = iota
	opDirectedMap
	opUnmap
	opInsertTable
	opUnmapTable
	opRangeProtect
	opRangeUnmap
	opRangeMap
	opDeleteSpace
	opMakePool
	opAssign
	numOps
)

var opNames = [numOps]string{
	opMap:          "map",
	opDirectedMap:  "directed_map",
	opUnmap:        "unmap",
	opInsertTable:  "insert_table",
	opUnmapTable:   "unmap_table",
	opRangeProtect: "range_protect",
	opRangeUnmap:   "range_unmap",
	opRangeMap:     "range_map",
	opDeleteSpace:  "delete_space",
	opMakePool:     "make_pool",
	opAssign:       "assign",
}

// String implements fmt.Stringer.String.
func (o op) String() string {
	if o >= 0 && o < numOps {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// chunkBuckets are the upper bounds of the chunk size histogram.
var chunkBuckets = []int{1, 2, 4, 8, 16, 32}

// Stats counts operations and their outcomes.
type Stats struct {
	calls  [numOps]atomic.Uint64
	errors [numOps][errors.NumKinds]atomic.Uint64

	// chunks counts range operation chunks by number of entries, bucketed
	// by chunkBuckets plus an overflow bucket.
	chunks       []atomic.Uint64
	chunkEntries atomic.Uint64

	staleRelocations atomic.Uint64
}

func (st *Stats) init() {
	st.chunks = make([]atomic.Uint64, len(chunkBuckets)+1)
}

// count records one call of o that returned err.
func (st *Stats) count(o op, err error) {
	st.calls[o].Add(1)
	if err != nil {
		st.errors[o][vmerr.KindOf(err)].Add(1)
	}
}

// chunk records one range operation chunk of num entries.
func (st *Stats) chunk(num int) {
	st.chunkEntries.Add(uint64(num))
	for i, b := range chunkBuckets {
		if num <= b {
			st.chunks[i].Add(1)
			return
		}
	}
	st.chunks[len(chunkBuckets)].Add(1)
}

// Calls returns the number of calls to the named operation.
func (st *Stats) Calls(name string) uint64 {
	for o := op(0); o < numOps; o++ {
		if o.String() == name {
			return st.calls[o].Load()
		}
	}
	return 0
}

// Errors returns the number of calls to the named operation that failed with
// kind.
func (st *Stats) Errors(name string, kind errors.Kind) uint64 {
	if kind <= errors.NoError || kind >= errors.NumKinds {
		return 0
	}
	for o := op(0); o < numOps; o++ {
		if o.String() == name {
			return st.errors[o][kind].Load()
		}
	}
	return 0
}

// StaleRelocations returns the number of directed maps that moved a frame
// away from a stale mapping record.
func (st *Stats) StaleRelocations() uint64 {
	return st.staleRelocations.Load()
}

var (
	callsMetric = &prometheus.Metric{
		Name: "calls_total",
		Type: prometheus.TypeCounter,
		Help: "Operations invoked, by operation.",
	}
	errorsMetric = &prometheus.Metric{
		Name: "errors_total",
		Type: prometheus.TypeCounter,
		Help: "Operations that failed, by operation and error kind.",
	}
	chunkMetric = &prometheus.Metric{
		Name: "range_chunk_entries",
		Type: prometheus.TypeHistogram,
		Help: "Entries visited per range operation chunk.",
	}
	staleMetric = &prometheus.Metric{
		Name: "stale_relocations_total",
		Type: prometheus.TypeCounter,
		Help: "Directed maps that relocated a frame with a stale mapping record.",
	}
	spacesMetric = &prometheus.Metric{
		Name: "address_spaces",
		Type: prometheus.TypeGauge,
		Help: "Live address spaces.",
	}
	framesMetric = &prometheus.Metric{
		Name: "frames",
		Type: prometheus.TypeGauge,
		Help: "Live frames.",
	}
	tablesMetric = &prometheus.Metric{
		Name: "tables",
		Type: prometheus.TypeGauge,
		Help: "Allocated tables, roots included.",
	}
	poolsMetric = &prometheus.Metric{
		Name: "asid_pools",
		Type: prometheus.TypeGauge,
		Help: "ASID pools created.",
	}
	mappedMetric = &prometheus.Metric{
		Name: "frame_memory_mapped_bytes",
		Type: prometheus.TypeGauge,
		Help: "Host memory backing frame contents.",
	}
)

// Snapshot returns the current counters and gauges of m.
func (m *Manager) Snapshot() *prometheus.Snapshot {
	st := &m.stats
	s := prometheus.NewSnapshot()
	for o := op(0); o < numOps; o++ {
		s.Add(prometheus.LabeledIntData(callsMetric, map[string]string{"op": o.String()}, int64(st.calls[o].Load())))
		for k := errors.Kind(1); k < errors.NumKinds; k++ {
			if n := st.errors[o][k].Load(); n != 0 {
				s.Add(prometheus.LabeledIntData(errorsMetric, map[string]string{"op": o.String(), "kind": k.String()}, int64(n)))
			}
		}
	}

	h := &prometheus.Histogram{Total: prometheus.Number{Int: int64(st.chunkEntries.Load())}}
	for i := range st.chunks {
		upper := prometheus.Number{Float: math.Inf(1)}
		if i < len(chunkBuckets) {
			upper = prometheus.Number{Int: int64(chunkBuckets[i])}
		}
		h.Buckets = append(h.Buckets, prometheus.Bucket{UpperBound: upper, Samples: st.chunks[i].Load()})
	}
	s.Add(&prometheus.Data{Metric: chunkMetric, HistogramValue: h})
	s.Add(prometheus.NewIntData(staleMetric, int64(st.staleRelocations.Load())))

	m.mu.RLock()
	spaces, frames := len(m.spaces), len(m.frames)
	m.mu.RUnlock()
	s.Add(
		prometheus.NewIntData(spacesMetric, int64(spaces)),
		prometheus.NewIntData(framesMetric, int64(frames)),
		prometheus.NewIntData(tablesMetric, int64(m.alloc.Len())),
		prometheus.NewIntData(poolsMetric, int64(m.control.NumPools())),
		prometheus.NewIntData(mappedMetric, m.mem.Mapped()),
	)
	return s
}

// WriteMetrics writes the metrics of m in Prometheus text format.
func (m *Manager) WriteMetrics(w io.Writer) error {
	_, err := prometheus.Write(w, prometheus.ExportOptions{
		CommentHeader:  fmt.Sprintf("vspace metrics for %s", m.cfg.Name),
		ExporterPrefix: "vspace_",
	}, m.Snapshot())
	return err
}
