package replication

import (
	"context"
	"fmt"
	"sync"

	"github.com/chn0318/scalog/client"
	"github.com/chn0318/scalog/pkg/address"
)

// ScalogConfig configures the pool of scalog clients this Client round-
// robins over, generalized from the teacher's
// sharedlog/scalog.NewScalogSystem (which read these same fields out of a
// package-level viper instance; here they're passed in explicitly so the
// caller controls sourcing).
type ScalogConfig struct {
	ReplicationFactor int32
	DiscoveryIP       string
	DiscoveryPort     uint16
	DataPort          uint16
	NumClients        int
}

// ScalogClient replicates log segments through a pool of scalog clients,
// exactly as the teacher's ScalogSystem replicated DataRecord/CommitRecord
// writes.
type ScalogClient struct {
	clients []*client.Client

	mu   sync.Mutex
	next int

	pending map[uint64][]byte
}

func NewScalogClient(cfg ScalogConfig) (*ScalogClient, error) {
	numReplica := cfg.ReplicationFactor
	discAddr := address.NewGeneralDiscAddr(cfg.DiscoveryIP, cfg.DiscoveryPort)
	dataAddr := address.NewGeneralDataAddr("data-%v-%v-ip", numReplica, cfg.DataPort)

	numClients := cfg.NumClients
	if numClients <= 0 {
		numClients = 4
	}

	clients := make([]*client.Client, 0, numClients)
	for i := 0; i < numClients; i++ {
		c, err := client.NewClient(dataAddr, discAddr, numReplica)
		if err != nil {
			return nil, fmt.Errorf("replication: new scalog client: %w", err)
		}
		clients = append(clients, c)
	}

	return &ScalogClient{clients: clients, pending: make(map[uint64][]byte)}, nil
}

func (s *ScalogClient) pickClient() *client.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.clients[s.next]
	s.next = (s.next + 1) % len(s.clients)
	return c
}

func (s *ScalogClient) Replicate(ctx context.Context, segmentID uint64, data []byte) error {
	c := s.pickClient()
	if _, _, err := c.AppendOne(string(data)); err != nil {
		return fmt.Errorf("replication: append segment %d: %w", segmentID, err)
	}
	return nil
}

// Sync is a no-op beyond what AppendOne already guarantees: scalog's
// AppendOne does not return until the append is ordered and durable on
// its own replication factor, so there is nothing further to wait on
// here.
func (s *ScalogClient) Sync(ctx context.Context) error {
	return nil
}

func (s *ScalogClient) IsReplicaNeeded(segmentID uint64, backupID uint64) bool {
	// Scalog owns replica placement; a master never needs to answer this
	// on its behalf.
	return true
}
