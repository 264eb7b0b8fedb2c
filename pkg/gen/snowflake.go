package gen

import (
	"payout-engine/pkg/config"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

var Module = fx.Module("snowflake", fx.Provide(NewSnowflakeNode))

// NewSnowflakeNode builds the id node for this process from NODE_ID.
func NewSnowflakeNode(cfg *config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID % 1024)
}
