package id

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

// epoch is 2024-01-01 00:00:00 UTC in milliseconds.
const epoch int64 = 1704067200000

func init() {
	snowflake.Epoch = epoch
}

// Node generates time-ordered 63-bit ids for queue jobs. Ids from different
// nodes never collide as long as every process gets a distinct node id.
type Node struct {
	node *snowflake.Node
}

func NewNode(nodeID int64) (*Node, error) {
	n, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", nodeID, err)
	}
	return &Node{node: n}, nil
}

func (n *Node) Generate() int64 {
	return n.node.Generate().Int64()
}

// Time returns the generation time encoded in a job id.
func Time(id int64) time.Time {
	return time.UnixMilli(snowflake.ParseInt64(id).Time())
}
