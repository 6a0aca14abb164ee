package order

import (
	"fmt"
	"hash/fnv"
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

// mirrorNamespace scopes deterministic mirror keys.
var mirrorNamespace = uuid.MustParse("6f1c1f8e-3d2a-5b7e-9c41-2a8f0d6b9e17")

// IDs issues client order ids and idempotency keys.
type IDs struct {
	node   *snowflake.Node
	prefix string
}

// NewIDs derives the snowflake node from the host name unless node >= 0.
func NewIDs(prefix string, node int64) (*IDs, error) {
	if node < 0 {
		h := fnv.New32a()
		host, _ := os.Hostname()
		h.Write([]byte(host))
		node = int64(h.Sum32() % 1024)
	}
	n, err := snowflake.NewNode(node)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", node, err)
	}
	return &IDs{node: n, prefix: prefix}, nil
}

// ClientOrderID is short, time-ordered and within the 36-char limit most
// venues impose.
func (g *IDs) ClientOrderID() string {
	return g.prefix + strconv.FormatInt(g.node.Generate().Int64(), 36)
}

// IdempotencyKey is a random key for a fresh intent.
func IdempotencyKey() string {
	return uuid.NewString()
}

// MirrorKey is deterministic in (primary order, follower) so a replayed
// fill can never produce a second follower order.
func MirrorKey(primaryOrderID, follower string) string {
	return uuid.NewSHA1(mirrorNamespace, []byte(primaryOrderID+"|"+follower)).String()
}
