package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"time"

	"google.golang.org/grpc"

	"github.com/chn0318/logmaster/internal/clustertime"
	"github.com/chn0318/logmaster/internal/config"
	"github.com/chn0318/logmaster/internal/coordinator"
	"github.com/chn0318/logmaster/internal/dedup"
	"github.com/chn0318/logmaster/internal/hashindex"
	"github.com/chn0318/logmaster/internal/indexlet"
	"github.com/chn0318/logmaster/internal/logio"
	"github.com/chn0318/logmaster/internal/master"
	"github.com/chn0318/logmaster/internal/migration"
	"github.com/chn0318/logmaster/internal/objmgr"
	"github.com/chn0318/logmaster/internal/recovery"
	"github.com/chn0318/logmaster/internal/replication"
	"github.com/chn0318/logmaster/internal/rpcpb"
	"github.com/chn0318/logmaster/internal/tablet"
	"github.com/chn0318/logmaster/internal/txn"
)

// noPeers stands in for the cluster transport spec.md section 1 puts out
// of scope: a single masterd process has no other masters to migrate to
// or backups to recover from, so every peer lookup fails with RETRY.
type noPeers struct{}

func (noPeers) MigrationDestination(peerID uint64) (migration.DestinationClient, error) {
	return nil, errors.New("masterd: no peer transport configured")
}

func (noPeers) Backups() recovery.BackupClient { return noBackups{} }

type noBackups struct{}

func (noBackups) FetchSegment(ctx context.Context, backupID, segmentID uint64) ([]byte, error) {
	return nil, errors.New("masterd: no backup transport configured")
}

func main() {
	configPath := flag.String("config", "", "path to a viper-readable config file")
	listenAddr := flag.String("listen", ":50051", "admin gRPC listen address")
	selfID := flag.Uint64("self-id", 1, "this master's server id")
	useScalog := flag.Bool("scalog", false, "replicate segments through a live scalog cluster instead of an in-memory fake")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("masterd: load config: %v", err)
	}

	var replicator replication.Client
	if *useScalog {
		sc, err := replication.NewScalogClient(replication.ScalogConfig{
			ReplicationFactor: cfg.ReplicationFactor,
			DiscoveryIP:       cfg.DiscoveryIP,
			DiscoveryPort:     cfg.DiscoveryPort,
			DataPort:          cfg.DataPort,
		})
		if err != nil {
			log.Fatalf("masterd: connect to scalog: %v", err)
		}
		replicator = sc
	} else {
		replicator = replication.NewFake()
	}

	log_ := logio.NewLog(cfg.SegmentSizeBytes, replicator)
	tablets := tablet.NewManager()
	indexlets := indexlet.NewManager()
	hashes := hashindex.New()
	rpcs := dedup.New()
	prepared := txn.NewPreparedWrites()
	objects := objmgr.NewManager(log_, hashes, tablets, indexlets, rpcs, prepared)

	clock := &clustertime.Clock{}
	coord := coordinator.NewFake()

	migrations := migration.NewEngine(log_, objects, tablets, indexlets, coord, *selfID, cfg.SegmentSizeBytes, cfg.MigrationEpochDrainTimeout)
	recoveries := recovery.NewEngine(log_, objects, tablets, indexlets, prepared, clock, coord, *selfID, cfg.RecoveryFanout)
	txRecovery := txn.NewRecoveryManager(log_, noPeerClient{})

	svc := master.NewService(*selfID, objects, tablets, indexlets, migrations, recoveries, txRecovery, clock, noPeers{})

	// A real deployment enlists with the coordinator before taking traffic;
	// with no coordinator transport configured (spec.md section 1 scopes
	// it out), masterd enlists itself immediately after construction.
	svc.Enlist()

	go leaseCleaner(clock, rpcs, cfg.LeaseGracePeriod)

	lis, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		log.Fatalf("masterd: listen: %v", err)
	}

	grpcServer := grpc.NewServer()
	rpcpb.RegisterAdminServer(grpcServer, svc)

	log.Printf("masterd: self-id=%d admin gRPC listening on %s", *selfID, *listenAddr)
	if err := grpcServer.Serve(lis); err != nil {
		log.Fatalf("masterd: serve: %v", err)
	}
}

// noPeerClient stands in for txn.PeerClient: with no cluster transport
// configured, every prepare-vote poll is treated as a vote to abort so an
// abandoned transaction resolves quickly instead of hanging.
type noPeerClient struct{}

func (noPeerClient) RequestPrepareVote(ctx context.Context, p logio.Participant, leaseID, rpcID uint64) (logio.Decision, error) {
	return logio.DecisionAbort, nil
}

func (noPeerClient) SendDecision(ctx context.Context, p logio.Participant, rec logio.TxDecisionRecord, rpcID uint64) error {
	return nil
}

// leaseCleaner periodically evicts UnackedRpcResults entries for expired
// leases (spec.md section 4.4: "Background cleaner removes entries whose
// lease has expired").
func leaseCleaner(clock *clustertime.Clock, rpcs *dedup.UnackedRpcResults, period time.Duration) {
	if period <= 0 {
		period = time.Minute
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for range ticker.C {
		rpcs.CleanExpired(clock.Now())
	}
}
