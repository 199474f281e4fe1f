package dht

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 包级指标
// 按消息类型维度统计收发和失败，多个节点实例共享同一组计数器
var (
	// messagesSent 发送的消息数
	messagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blobdht",
		Subsystem: "transport",
		Name:      "messages_sent_total",
		Help:      "Number of DHT messages sent, by message type.",
	}, []string{"type"})

	// messagesReceived 接收的消息数
	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blobdht",
		Subsystem: "transport",
		Name:      "messages_received_total",
		Help:      "Number of DHT messages received, by message type.",
	}, []string{"type"})

	// decodeErrors 解码失败的入站报文数
	decodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "blobdht",
		Subsystem: "transport",
		Name:      "decode_errors_total",
		Help:      "Number of inbound datagrams that failed to decode.",
	})

	// rpcTimeouts 超时的出站 RPC 数
	rpcTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "blobdht",
		Subsystem: "transport",
		Name:      "rpc_timeouts_total",
		Help:      "Number of outbound RPCs that timed out.",
	})

	// queriesStarted 启动的迭代查询数
	queriesStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blobdht",
		Subsystem: "query",
		Name:      "iterative_queries_total",
		Help:      "Number of iterative queries started, by kind.",
	}, []string{"kind"})

	// storesAccepted 接受的 STORE 公告数
	storesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "blobdht",
		Subsystem: "store",
		Name:      "announcements_accepted_total",
		Help:      "Number of STORE announcements accepted into the datastore.",
	})

	// storesRejected 因令牌无效被拒绝的 STORE 数
	storesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "blobdht",
		Subsystem: "store",
		Name:      "announcements_rejected_total",
		Help:      "Number of STORE announcements rejected for invalid tokens.",
	})
)
