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
	guardMetricSubsystem = "guard"
)

var (
	GuardLinkUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: authNamespace,
		Subsystem: guardMetricSubsystem,
		Name:      "link_up",
		Help:      "与 IP 会话仲裁服务的连接状态，1 为已连接",
	})

	GuardWaitingNum = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: authNamespace,
		Subsystem: guardMetricSubsystem,
		Name:      "waiting_num",
		Help:      "等待仲裁应答的在途请求数",
	})

	GuardRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: authNamespace,
		Subsystem: guardMetricSubsystem,
		Name:      "request_total",
		Help:      "按操作码和结果统计的仲裁请求总数",
	}, []string{opcodeLabelName, resultLabelName})

	GuardReconnectTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: authNamespace,
		Subsystem: guardMetricSubsystem,
		Name:      "reconnect_total",
		Help:      "仲裁连接断开后的重连尝试总数",
	})
)

func registerGuardMetrics(r prometheus.Registerer) {
	r.MustRegister(GuardLinkUp)
	r.MustRegister(GuardWaitingNum)
	r.MustRegister(GuardRequestTotal)
	r.MustRegister(GuardReconnectTotal)
}
