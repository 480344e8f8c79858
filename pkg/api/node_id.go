package api

// NodeID is the unique identity of a node (one server process) within a
// provisioned cluster. It stays the same across restarts of that node.
type NodeID string

const ZeroNodeID NodeID = ""

func (nID NodeID) String() string {
	return string(nID)
}

// ShardID names a shard, i.e. a replication group which owns ranges of the
// keyspace. The metadata group becomes the shard ConfigShard when it is
// transitioned to also hold data.
type ShardID string

const ZeroShard ShardID = ""

// ConfigShard is the name the metadata group takes when it also owns data.
const ConfigShard ShardID = "config"

func (sID ShardID) String() string {
	return string(sID)
}
