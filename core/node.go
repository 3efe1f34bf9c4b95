package core

import "strconv"

// NodeId identifies a participant. Ids are dense: 0..N-1.
type NodeId int

func (id NodeId) String() string {
	return "node" + strconv.Itoa(int(id))
}

// Represents a general node data interface
type Node interface {
	GetNodeId() NodeId
}
