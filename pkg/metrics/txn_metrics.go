// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	txnMetricSubsystem = "txn"
)

var (
	TxnIssuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: authNamespace,
		Subsystem: txnMetricSubsystem,
		Name:      "issued_total",
		Help:      "按交易形态统计的已签发订单总数",
	}, []string{shapeLabelName})

	TxnPersistTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: authNamespace,
		Subsystem: txnMetricSubsystem,
		Name:      "persist_total",
		Help:      "按结果统计的订单落库总数",
	}, []string{resultLabelName})

	TxnPersistLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: authNamespace,
		Subsystem: txnMetricSubsystem,
		Name:      "persist_latency",
		Help:      "订单落库耗时，单位为毫秒",
		Buckets:   buckets,
	})

	TxnPendingWrites = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: authNamespace,
		Subsystem: txnMetricSubsystem,
		Name:      "pending_writes",
		Help:      "等待异步落库的订单数",
	})

	TxnRecoveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: authNamespace,
		Subsystem: txnMetricSubsystem,
		Name:      "recovered_total",
		Help:      "启动恢复阶段重放的未保存订单总数",
	})
)

func registerTxnMetrics(r prometheus.Registerer) {
	r.MustRegister(TxnIssuedTotal)
	r.MustRegister(TxnPersistTotal)
	r.MustRegister(TxnPersistLatency)
	r.MustRegister(TxnPendingWrites)
	r.MustRegister(TxnRecoveredTotal)
}
