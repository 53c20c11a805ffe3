package identity

import (
	"fmt"

	"go.uber.org/fx"

	"github.com/dep2p/dcutr-perf/config"
	"github.com/dep2p/dcutr-perf/internal/util/logger"
)

var log = logger.Logger("identity")

// ModuleInput 模块输入依赖
type ModuleInput struct {
	fx.In

	Config *config.Config
}

// ProvideIdentity 按配置创建身份：有种子时确定性派生，否则随机生成
func ProvideIdentity(input ModuleInput) (*Identity, error) {
	var (
		id  *Identity
		err error
	)
	if seed := input.Config.Identity.Seed; seed != nil {
		id, err = FromSeed(*seed)
	} else {
		id, err = Generate()
	}
	if err != nil {
		return nil, fmt.Errorf("创建身份失败: %w", err)
	}
	log.Info("本地身份", "peer", id.PeerID().String(), "seeded", input.Config.Identity.Seed != nil)
	return id, nil
}

// Module 返回 fx 模块
func Module() fx.Option {
	return fx.Module("identity",
		fx.Provide(ProvideIdentity),
	)
}
