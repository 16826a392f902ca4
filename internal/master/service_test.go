package master

import (
	"context"
	"testing"
	"time"

	"github.com/chn0318/logmaster/internal/clustertime"
	"github.com/chn0318/logmaster/internal/coordinator"
	"github.com/chn0318/logmaster/internal/dedup"
	"github.com/chn0318/logmaster/internal/hashindex"
	"github.com/chn0318/logmaster/internal/indexlet"
	"github.com/chn0318/logmaster/internal/keyspace"
	"github.com/chn0318/logmaster/internal/logio"
	"github.com/chn0318/logmaster/internal/migration"
	"github.com/chn0318/logmaster/internal/objmgr"
	"github.com/chn0318/logmaster/internal/recovery"
	"github.com/chn0318/logmaster/internal/replication"
	"github.com/chn0318/logmaster/internal/rpcpb"
	"github.com/chn0318/logmaster/internal/status"
	"github.com/chn0318/logmaster/internal/tablet"
	"github.com/chn0318/logmaster/internal/txn"
	"github.com/stretchr/testify/require"
)

type noPeers struct{}

func (noPeers) MigrationDestination(peerID uint64) (migration.DestinationClient, error) {
	return nil, status.New(status.Retry, "no peer transport in tests")
}
func (noPeers) Backups() recovery.BackupClient { return nil }

type refusingPeerClient struct{}

func (refusingPeerClient) RequestPrepareVote(ctx context.Context, p logio.Participant, leaseID, rpcID uint64) (logio.Decision, error) {
	return logio.DecisionAbort, nil
}
func (refusingPeerClient) SendDecision(ctx context.Context, p logio.Participant, rec logio.TxDecisionRecord, rpcID uint64) error {
	return nil
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	log := logio.NewLog(64*1024, replication.NewFake())
	tablets := tablet.NewManager()
	indexlets := indexlet.NewManager()
	prepared := txn.NewPreparedWrites()
	objects := objmgr.NewManager(log, hashindex.New(), tablets, indexlets, dedup.New(), prepared)
	clock := &clustertime.Clock{}
	coord := coordinator.NewFake()
	migrations := migration.NewEngine(log, objects, tablets, indexlets, coord, 1, 64*1024, 2*time.Second)
	recoveries := recovery.NewEngine(log, objects, tablets, indexlets, prepared, clock, coord, 1, 4)
	txRecovery := txn.NewRecoveryManager(log, refusingPeerClient{})
	svc := NewService(1, objects, tablets, indexlets, migrations, recoveries, txRecovery, clock, noPeers{})
	svc.Enlist()
	return svc
}

func TestRpcsFailWithRetryBeforeEnlist(t *testing.T) {
	log := logio.NewLog(64*1024, replication.NewFake())
	tablets := tablet.NewManager()
	indexlets := indexlet.NewManager()
	prepared := txn.NewPreparedWrites()
	objects := objmgr.NewManager(log, hashindex.New(), tablets, indexlets, dedup.New(), prepared)
	clock := &clustertime.Clock{}
	coord := coordinator.NewFake()
	migrations := migration.NewEngine(log, objects, tablets, indexlets, coord, 1, 64*1024, 2*time.Second)
	recoveries := recovery.NewEngine(log, objects, tablets, indexlets, prepared, clock, coord, 1, 4)
	txRecovery := txn.NewRecoveryManager(log, refusingPeerClient{})
	svc := NewService(1, objects, tablets, indexlets, migrations, recoveries, txRecovery, clock, noPeers{})
	require.NoError(t, svc.tablets.AddTablet(1, 0, ^uint64(0), tablet.Normal))

	resp, err := svc.Write(context.Background(), &rpcpb.WriteRequest{
		Header:     rpcpb.Header{LeaseID: 1, RPCID: 1},
		TableID:    1,
		PrimaryKey: []byte("x"),
		Value:      []byte("a"),
	})
	require.NoError(t, err)
	require.Equal(t, status.Retry, resp.Status)

	svc.Enlist()
	resp, err = svc.Write(context.Background(), &rpcpb.WriteRequest{
		Header:     rpcpb.Header{LeaseID: 1, RPCID: 1},
		TableID:    1,
		PrimaryKey: []byte("x"),
		Value:      []byte("a"),
	})
	require.NoError(t, err)
	require.Equal(t, status.OK, resp.Status)
}

func TestRpcsFailWithRetryWhileDisabled(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.tablets.AddTablet(1, 0, ^uint64(0), tablet.Normal))

	svc.Disable()
	resp, err := svc.Read(context.Background(), &rpcpb.ReadRequest{TableID: 1, Key: []byte("x")})
	require.NoError(t, err)
	require.Equal(t, status.Retry, resp.Status)

	svc.Disable()
	svc.Enable()
	resp, err = svc.Read(context.Background(), &rpcpb.ReadRequest{TableID: 1, Key: []byte("x")})
	require.NoError(t, err)
	require.Equal(t, status.Retry, resp.Status, "nested Disable still outstanding")

	svc.Enable()
	resp, err = svc.Read(context.Background(), &rpcpb.ReadRequest{TableID: 1, Key: []byte("x")})
	require.NoError(t, err)
	require.Equal(t, status.ObjectDoesntExist, resp.Status, "back to normal dispatch once every Disable is matched")
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.tablets.AddTablet(1, 0, ^uint64(0), tablet.Normal))

	wresp, err := svc.Write(context.Background(), &rpcpb.WriteRequest{
		Header:     rpcpb.Header{LeaseID: 1, RPCID: 5},
		TableID:    1,
		PrimaryKey: []byte("x"),
		Value:      []byte("a"),
	})
	require.NoError(t, err)
	require.Equal(t, status.OK, wresp.Status)
	require.Equal(t, uint64(1), wresp.Version)

	rresp, err := svc.Read(context.Background(), &rpcpb.ReadRequest{TableID: 1, Key: []byte("x")})
	require.NoError(t, err)
	require.Equal(t, status.OK, rresp.Status)
	require.Equal(t, []byte("a"), rresp.Value)
	require.Equal(t, uint64(1), rresp.Version)
}

func TestWriteRetrySameRpcIdReturnsIdenticalResponse(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.tablets.AddTablet(1, 0, ^uint64(0), tablet.Normal))

	req := &rpcpb.WriteRequest{
		Header:     rpcpb.Header{LeaseID: 1, RPCID: 5},
		TableID:    1,
		PrimaryKey: []byte("x"),
		Value:      []byte("a"),
	}
	first, err := svc.Write(context.Background(), req)
	require.NoError(t, err)

	second, err := svc.Write(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, first, second)

	rresp, err := svc.Read(context.Background(), &rpcpb.ReadRequest{TableID: 1, Key: []byte("x")})
	require.NoError(t, err)
	require.Equal(t, uint64(1), rresp.Version, "a retried write must not bump the live version")
}

func TestWriteRejectsWrongVersion(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.tablets.AddTablet(1, 0, ^uint64(0), tablet.Normal))

	_, err := svc.Write(context.Background(), &rpcpb.WriteRequest{
		Header: rpcpb.Header{LeaseID: 1, RPCID: 1}, TableID: 1, PrimaryKey: []byte("x"), Value: []byte("a"),
	})
	require.NoError(t, err)

	resp, err := svc.Write(context.Background(), &rpcpb.WriteRequest{
		Header:      rpcpb.Header{LeaseID: 1, RPCID: 2},
		TableID:     1,
		PrimaryKey:  []byte("x"),
		Value:       []byte("b"),
		RejectRules: logio.RejectRules{VersionNeGiven: true, GivenVersion: 999},
	})
	require.NoError(t, err)
	require.Equal(t, status.WrongVersion, resp.Status)

	rresp, err := svc.Read(context.Background(), &rpcpb.ReadRequest{TableID: 1, Key: []byte("x")})
	require.NoError(t, err)
	require.Equal(t, []byte("a"), rresp.Value, "a rejected write must leave state unchanged")
}

func TestIncrementOnMissingObjectThenAgain(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.tablets.AddTablet(2, 0, ^uint64(0), tablet.Normal))

	resp, err := svc.Increment(context.Background(), &rpcpb.IncrementRequest{
		Header: rpcpb.Header{LeaseID: 9, RPCID: 1}, TableID: 2, Key: []byte("c"), DeltaInt64: 3,
	})
	require.NoError(t, err)
	require.Equal(t, status.OK, resp.Status)
	require.Equal(t, int64(3), resp.AsInt64)
	require.Equal(t, float64(0), resp.AsFloat64)
	require.Equal(t, uint64(1), resp.Version)

	resp2, err := svc.Increment(context.Background(), &rpcpb.IncrementRequest{
		Header: rpcpb.Header{LeaseID: 9, RPCID: 2}, TableID: 2, Key: []byte("c"), DeltaFloat64: 2.5,
	})
	require.NoError(t, err)
	require.Equal(t, status.OK, resp2.Status)
	require.Equal(t, int64(3), resp2.AsInt64, "a zero int delta must leave the int64 view unchanged")
	require.Equal(t, 2.5, resp2.AsFloat64)
}

func TestIncrementRetrySameRpcIdIsIdempotent(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.tablets.AddTablet(2, 0, ^uint64(0), tablet.Normal))

	req := &rpcpb.IncrementRequest{Header: rpcpb.Header{LeaseID: 9, RPCID: 1}, TableID: 2, Key: []byte("c"), DeltaInt64: 3}
	first, err := svc.Increment(context.Background(), req)
	require.NoError(t, err)
	second, err := svc.Increment(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestTxPrepareThenCommitAcrossTwoParticipants(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.tablets.AddTablet(1, 0, ^uint64(0), tablet.Normal))
	require.NoError(t, svc.tablets.AddTablet(2, 0, ^uint64(0), tablet.Normal))

	ka := keyspace.Key{TableID: 1, Bytes: []byte("a")}
	kb := keyspace.Key{TableID: 2, Bytes: []byte("b")}

	req := &rpcpb.TxPrepareRequest{
		Header: rpcpb.Header{LeaseID: 1, RPCID: 100},
		Ops: []rpcpb.TxOpRequest{
			{RPCID: 1, TableID: 1, Op: logio.OpWrite, Key: []byte("a"), Value: []byte("v1")},
			{RPCID: 2, TableID: 2, Op: logio.OpWrite, Key: []byte("b"), Value: []byte("v2")},
		},
	}
	resp, err := svc.TxPrepare(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, status.OK, resp.Status)
	require.Equal(t, logio.DecisionCommit, resp.Vote)

	decReq := &rpcpb.TxDecisionRequest{
		LeaseID:  1,
		Decision: logio.DecisionCommit,
		Participants: []rpcpb.TxDecisionParticipant{
			{TableID: 1, KeyHash: ka.Hash(), RPCID: 1},
			{TableID: 2, KeyHash: kb.Hash(), RPCID: 2},
		},
	}
	decResp, err := svc.TxDecision(context.Background(), decReq)
	require.NoError(t, err)
	require.Equal(t, status.OK, decResp.Status)

	ra, err := svc.Read(context.Background(), &rpcpb.ReadRequest{TableID: 1, Key: []byte("a")})
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), ra.Value)

	rb, err := svc.Read(context.Background(), &rpcpb.ReadRequest{TableID: 2, Key: []byte("b")})
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), rb.Value)

	// Re-issuing the identical txPrepare must not re-append staged ops.
	before := svc.objects.Prepared().Len()
	resp2, err := svc.TxPrepare(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, logio.DecisionCommit, resp2.Vote)
	require.Equal(t, before, svc.objects.Prepared().Len())
}

func TestTxPrepareAbortsOnConflictingReject(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.tablets.AddTablet(1, 0, ^uint64(0), tablet.Normal))

	_, err := svc.Write(context.Background(), &rpcpb.WriteRequest{
		Header: rpcpb.Header{LeaseID: 5, RPCID: 1}, TableID: 1, PrimaryKey: []byte("a"), Value: []byte("v0"),
	})
	require.NoError(t, err)

	req := &rpcpb.TxPrepareRequest{
		Header: rpcpb.Header{LeaseID: 6, RPCID: 200},
		Ops: []rpcpb.TxOpRequest{
			{RPCID: 1, TableID: 1, Op: logio.OpWrite, Key: []byte("a"), Value: []byte("v1"),
				RejectRules: logio.RejectRules{Exists: true}},
		},
	}
	resp, err := svc.TxPrepare(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, logio.DecisionAbort, resp.Vote)
}

func TestEnumeratePagesCoverEveryObject(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.tablets.AddTablet(3, 0, ^uint64(0), tablet.Normal))

	for i, k := range []string{"one", "two", "three", "four", "five"} {
		_, err := svc.Write(context.Background(), &rpcpb.WriteRequest{
			Header: rpcpb.Header{LeaseID: 1, RPCID: uint64(i + 1)}, TableID: 3, PrimaryKey: []byte(k), Value: []byte(k),
		})
		require.NoError(t, err)
	}

	seen := make(map[string]bool)
	start := uint64(0)
	for {
		resp, err := svc.Enumerate(context.Background(), &rpcpb.EnumerateRequest{TableID: 3, StartKeyHash: start, MaxResults: 2})
		require.NoError(t, err)
		for _, obj := range resp.Objects {
			seen[string(obj.Value)] = true
		}
		if resp.Done {
			break
		}
		start = resp.NextStartHash
	}
	require.Len(t, seen, 5)
}

func TestGetHeadOfLogAdvancesAfterWrite(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.tablets.AddTablet(1, 0, ^uint64(0), tablet.Normal))

	before, err := svc.GetHeadOfLog(context.Background(), &rpcpb.GetHeadOfLogRequest{})
	require.NoError(t, err)

	_, err = svc.Write(context.Background(), &rpcpb.WriteRequest{
		Header: rpcpb.Header{LeaseID: 1, RPCID: 1}, TableID: 1, PrimaryKey: []byte("x"), Value: []byte("a"),
	})
	require.NoError(t, err)

	after, err := svc.GetHeadOfLog(context.Background(), &rpcpb.GetHeadOfLogRequest{})
	require.NoError(t, err)
	require.NotEqual(t, before.Position, after.Position)
}

func TestWriteOverwriteRemovesStaleSecondaryIndexEntry(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.tablets.AddTablet(1, 0, ^uint64(0), tablet.Normal))
	_, err := svc.indexlets.AddIndexlet(1, 1, nil, nil, 2, indexlet.Normal)
	require.NoError(t, err)
	il, _ := svc.indexlets.Get(1, 1, []byte("whatever"))

	_, err = svc.Write(context.Background(), &rpcpb.WriteRequest{
		Header: rpcpb.Header{LeaseID: 1, RPCID: 1}, TableID: 1, PrimaryKey: []byte("x"),
		Value: []byte("a"), SecondaryKeys: [][]byte{[]byte("sk1")},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(il.LookupIndexKeys([]byte("sk1"), []byte("sk1"))) == 1
	}, time.Second, time.Millisecond)

	_, err = svc.Write(context.Background(), &rpcpb.WriteRequest{
		Header: rpcpb.Header{LeaseID: 1, RPCID: 2}, TableID: 1, PrimaryKey: []byte("x"),
		Value: []byte("b"), SecondaryKeys: [][]byte{[]byte("sk2")},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(il.LookupIndexKeys([]byte("sk2"), []byte("sk2"))) == 1 &&
			len(il.LookupIndexKeys([]byte("sk1"), []byte("sk1"))) == 0
	}, time.Second, time.Millisecond, "overwrite must drop the stale secondary key and add the new one")
}

func TestRemoveCleansUpSecondaryIndexEntries(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.tablets.AddTablet(1, 0, ^uint64(0), tablet.Normal))
	_, err := svc.indexlets.AddIndexlet(1, 1, nil, nil, 2, indexlet.Normal)
	require.NoError(t, err)
	il, _ := svc.indexlets.Get(1, 1, []byte("whatever"))

	_, err = svc.Write(context.Background(), &rpcpb.WriteRequest{
		Header: rpcpb.Header{LeaseID: 1, RPCID: 1}, TableID: 1, PrimaryKey: []byte("x"),
		Value: []byte("a"), SecondaryKeys: [][]byte{[]byte("sk1")},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(il.LookupIndexKeys([]byte("sk1"), []byte("sk1"))) == 1
	}, time.Second, time.Millisecond)

	_, err = svc.Remove(context.Background(), &rpcpb.RemoveRequest{
		Header: rpcpb.Header{LeaseID: 1, RPCID: 2}, TableID: 1, Key: []byte("x"),
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(il.LookupIndexKeys([]byte("sk1"), []byte("sk1"))) == 0
	}, time.Second, time.Millisecond, "remove must drop the object's secondary index entries")
}

func TestLookupIndexKeysReturnsPrimaryKeysInRange(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.tablets.AddTablet(1, 0, ^uint64(0), tablet.Normal))
	_, err := svc.indexlets.AddIndexlet(1, 1, nil, nil, 2, indexlet.Normal)
	require.NoError(t, err)
	il, _ := svc.indexlets.Get(1, 1, []byte("whatever"))
	require.NoError(t, il.InsertEntry([]byte("sk1"), keyspace.Key{TableID: 1, Bytes: []byte("x")}))

	resp, err := svc.LookupIndexKeys(context.Background(), &rpcpb.LookupIndexKeysRequest{
		TableID: 1, IndexID: 1, FirstIndexKey: []byte("sk1"), LastIndexKey: []byte("sk1"),
	})
	require.NoError(t, err)
	require.Equal(t, status.OK, resp.Status)
	require.Equal(t, [][]byte{[]byte("x")}, resp.PrimaryKeys)
}

func TestLookupIndexKeysUnknownIndexlet(t *testing.T) {
	svc := newTestService(t)
	resp, err := svc.LookupIndexKeys(context.Background(), &rpcpb.LookupIndexKeysRequest{
		TableID: 1, IndexID: 1, FirstIndexKey: []byte("sk1"), LastIndexKey: []byte("sk1"),
	})
	require.NoError(t, err)
	require.Equal(t, status.UnknownIndexlet, resp.Status)
}
