package dht

import (
	"context"

	"go.uber.org/fx"
)

// Module DHT Fx 模块
var Module = fx.Module("blobdht",
	fx.Provide(
		NewFromParams,
	),
	fx.Invoke(registerLifecycle),
)

// Params DHT 依赖参数
type Params struct {
	fx.In

	// Options 节点配置选项
	Options []Option `optional:"true"`
}

// Result DHT 导出结果
type Result struct {
	fx.Out

	DHT *DHT
}

// NewFromParams 从 Fx 参数创建 DHT
func NewFromParams(p Params) (Result, error) {
	d, err := New(p.Options...)
	if err != nil {
		return Result{}, err
	}
	return Result{DHT: d}, nil
}

// lifecycleParams DHT 生命周期参数
type lifecycleParams struct {
	fx.In

	LC  fx.Lifecycle
	DHT *DHT
}

// registerLifecycle 注册 DHT 生命周期钩子
func registerLifecycle(p lifecycleParams) {
	p.LC.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := p.DHT.Start(); err != nil {
				logger.Error("节点启动失败", "error", err)
				return err
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := p.DHT.Stop(); err != nil {
				logger.Error("节点停止失败", "error", err)
				return err
			}
			return nil
		},
	})
}
