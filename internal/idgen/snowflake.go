package idgen

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// Generator hands out process-wide unique, time-ordered identifiers.
type Generator interface {
	Next() int64
}

// Snowflake generates identifiers with the Snowflake algorithm. Identifiers
// created later always compare greater, so they double as sequence positions.
type Snowflake struct {
	node *snowflake.Node
}

// NewSnowflake initialises a generator for the given node number.
func NewSnowflake(nodeID int64) (*Snowflake, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node %d: %w", nodeID, err)
	}
	return &Snowflake{node: node}, nil
}

// Next returns a new identifier.
func (s *Snowflake) Next() int64 {
	return s.node.Generate().Int64()
}
