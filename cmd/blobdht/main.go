// Package main 提供 blobdht 命令行入口
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dep2p/go-blobdht/dht"
	"github.com/dep2p/go-blobdht/pkg/lib/log"
)

var logger = log.Logger("blobdht/cmd")

// 命令行参数
var (
	listenAddr  = flag.String("listen", "0.0.0.0:4444", "UDP 监听地址")
	peerPort    = flag.Int("peer-port", 0, "blob 传输 TCP 端口（公告时必需）")
	externalIP  = flag.String("external-ip", "", "对外公布的 IP（NAT 后手工指定）")
	seeds       = flag.String("seeds", "", "引导节点地址，逗号分隔（host:port,...）")
	metricsAddr = flag.String("metrics", "", "Prometheus 指标 HTTP 地址（留空禁用）")
	logLevel    = flag.String("log-level", "info", "日志级别 (debug/info/warn/error)")
	statusEvery = flag.Duration("status-interval", time.Minute, "状态日志输出周期")
	showVersion = flag.Bool("version", false, "显示版本信息")
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "错误:", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Parse()

	if *showVersion {
		fmt.Println("blobdht", version)
		return nil
	}

	if err := log.SetLevelFromString(*logLevel); err != nil {
		return err
	}

	opts := []dht.Option{
		dht.WithListenAddr(*listenAddr),
	}
	if *peerPort > 0 {
		opts = append(opts, dht.WithPeerPort(*peerPort))
	}
	if *externalIP != "" {
		opts = append(opts, dht.WithExternalIP(*externalIP))
	}
	if *seeds != "" {
		var addrs []string
		for _, s := range strings.Split(*seeds, ",") {
			if s = strings.TrimSpace(s); s != "" {
				addrs = append(addrs, s)
			}
		}
		opts = append(opts, dht.WithSeedNodes(addrs...))
	}

	node, err := dht.New(opts...)
	if err != nil {
		return err
	}

	if err := node.Start(); err != nil {
		return err
	}
	defer func() {
		if err := node.Stop(); err != nil {
			logger.Warn("节点停止出错", "error", err)
		}
	}()

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr)
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go statusLoop(ctx, node)

	fmt.Println("blobdht 节点已启动")
	fmt.Println("  节点 ID:", node.LocalID().String())
	fmt.Println("  监听地址:", node.Addr().String())

	<-ctx.Done()
	fmt.Println("收到退出信号，正在停止...")
	return nil
}

// statusLoop 周期输出节点状态
func statusLoop(ctx context.Context, node *dht.DHT) {
	ticker := time.NewTicker(*statusEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s := node.NodeStatus()
			logger.Info("节点状态",
				"uptime", s.Uptime.Round(time.Second),
				"contacts", s.ContactCount,
				"buckets", s.BucketCount,
				"isolated", s.Isolated,
				"keys", s.StoredKeys,
				"announcements", s.Announcements)
		case <-ctx.Done():
			return
		}
	}
}

// serveMetrics 暴露 Prometheus 指标
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	logger.Info("指标服务已启动", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("指标服务退出", "error", err)
	}
}
