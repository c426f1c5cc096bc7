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
	sessionMetricSubsystem = "session"
)

var (
	SessionNum = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: authNamespace,
		Subsystem: sessionMetricSubsystem,
		Name:      "num",
		Help:      "按登录模式统计的当前会话数",
	}, []string{modeLabelName})

	SessionLoginTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: authNamespace,
		Subsystem: sessionMetricSubsystem,
		Name:      "login_total",
		Help:      "登录尝试总数",
	}, []string{resultLabelName})

	SessionKickTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: authNamespace,
		Subsystem: sessionMetricSubsystem,
		Name:      "kick_total",
		Help:      "被踢下线的会话总数",
	}, []string{reasonLabelName})

	SessionIdleExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: authNamespace,
		Subsystem: sessionMetricSubsystem,
		Name:      "idle_expired_total",
		Help:      "因空闲定时器超时而被移除的会话总数",
	})

	SessionHandoffLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: authNamespace,
		Subsystem: sessionMetricSubsystem,
		Name:      "handoff_latency",
		Help:      "从选择世界到确认进入世界的耗时，单位为毫秒",
		Buckets:   buckets,
	}, []string{worldLabelName})

	SessionInWorldNum = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: authNamespace,
		Subsystem: sessionMetricSubsystem,
		Name:      "in_world_num",
		Help:      "按世界统计的当前游戏中会话数",
	}, []string{worldLabelName})
)

func registerSessionMetrics(r prometheus.Registerer) {
	r.MustRegister(SessionNum)
	r.MustRegister(SessionLoginTotal)
	r.MustRegister(SessionKickTotal)
	r.MustRegister(SessionIdleExpiredTotal)
	r.MustRegister(SessionHandoffLatency)
	r.MustRegister(SessionInWorldNum)
}
