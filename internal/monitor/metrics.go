// Copyright 2025 Prospect Futures Inc. All Rights Reserved.
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

// Package monitor exposes hffs counters over an optional Prometheus
// endpoint.
package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hffs_sync_ticks_total",
		Help: "Number of sync ticks that attempted a commit, by result.",
	}, []string{"result"})

	filesCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hffs_files_committed_total",
		Help: "Number of staged files successfully committed upstream.",
	})

	readBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hffs_read_bytes_total",
		Help: "Bytes streamed from the remote repository through the read mount.",
	})
)

// RecordSync records the outcome of one sync tick. result is "success" or
// "failure"; files is the number of files committed on success.
func RecordSync(result string, files int) {
	syncTicks.WithLabelValues(result).Inc()
	if files > 0 {
		filesCommitted.Add(float64(files))
	}
}

// RecordReadBytes records bytes served by the read mount.
func RecordReadBytes(n int) {
	if n > 0 {
		readBytes.Add(float64(n))
	}
}
