package neo4j

import (
	"context"
	"os"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ideepx/proofengine/distributor/pkg/network"
	neo4jtesting "github.com/ideepx/proofengine/distributor/pkg/neo4j/testing"
	enginetesting "github.com/ideepx/proofengine/utils/pkg/testing"
)

var sharedDB *neo4jtesting.DB

func TestMain(m *testing.M) {
	log := enginetesting.NewLogger()
	var err error
	sharedDB, err = neo4jtesting.NewDB(context.Background(), log, nil)
	if err != nil {
		log.Error("failed to create shared Neo4j DB", "error", err)
		os.Exit(1)
	}
	code := m.Run()
	sharedDB.Close()
	os.Exit(code)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// newTestSource returns a source over an emptied graph. Tests in this package
// share one database and do not run in parallel.
func newTestSource(t *testing.T) *NetworkSource {
	t.Helper()
	ctx := t.Context()
	log := enginetesting.NewLogger()

	driver, err := NewDriver(ctx, log, Config{URI: sharedDB.BoltURL(), Password: sharedDB.Password()})
	require.NoError(t, err)
	t.Cleanup(func() { driver.Close(context.Background()) })

	_, err = neo4j.ExecuteQuery(ctx, driver, "MATCH (n) DETACH DELETE n", nil,
		neo4j.EagerResultTransformer, neo4j.ExecuteQueryWithDatabase(DefaultDatabase))
	require.NoError(t, err)
	require.NoError(t, InitializeSchema(ctx, driver, DefaultDatabase))

	src, err := NewNetworkSource(NetworkSourceConfig{Logger: log, Driver: driver})
	require.NoError(t, err)
	return src
}

func TestProofEngine_Neo4j_Config(t *testing.T) {
	t.Parallel()

	cfg := Config{URI: "bolt://localhost:7687"}
	require.NoError(t, cfg.Validate())
	require.Equal(t, DefaultDatabase, cfg.Database)
	require.Equal(t, "neo4j", cfg.Username)
	require.Error(t, (&Config{}).Validate())

	_, err := NewNetworkSource(NetworkSourceConfig{Logger: enginetesting.NewLogger()})
	require.Error(t, err)
}

func TestProofEngine_Neo4j_NetworkSource(t *testing.T) {
	src := newTestSource(t)
	ctx := t.Context()

	users := []network.User{
		{ID: 1, Wallet: "w1", Active: true, UnlockedLevel: 10, InternalBalance: d("12.5")},
		{ID: 2, Wallet: "w2", SponsorID: 1, Active: true, MonthlyVolume: d("300")},
		{ID: 3, Wallet: "w3", SponsorID: 2},
	}
	require.NoError(t, src.SyncUsers(ctx, users))
	require.NoError(t, src.SyncPerformance(ctx, []network.Performance{
		{UserID: 3, Week: 42, NetProfit: d("1000.5"), Volume: d("1000")},
		{UserID: 2, Week: 42, NetProfit: d("-3")},
		{UserID: 2, Week: 41, NetProfit: d("8")},
	}))

	got, err := src.LoadUsers(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, network.UserID(0), got[0].SponsorID)
	require.Equal(t, network.UserID(1), got[1].SponsorID)
	require.Equal(t, network.UserID(2), got[2].SponsorID)
	require.Equal(t, 10, got[0].UnlockedLevel)
	require.True(t, got[0].InternalBalance.Equal(d("12.5")))
	require.True(t, got[1].MonthlyVolume.Equal(d("300")))
	require.False(t, got[2].Active)

	net, perf, err := network.Load(ctx, src, 42)
	require.NoError(t, err)
	require.Equal(t, 3, net.Len())
	require.Equal(t, 2, perf.Len())
	p, ok, err := perf.Get(3)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, p.NetProfit.Equal(d("1000.5")))

	t.Run("resync moves sponsor edge", func(t *testing.T) {
		moved := users[2]
		moved.SponsorID = 1
		require.NoError(t, src.SyncUsers(ctx, []network.User{moved}))

		got, err := src.LoadUsers(ctx)
		require.NoError(t, err)
		require.Len(t, got, 3)
		require.Equal(t, network.UserID(1), got[2].SponsorID)
	})

	t.Run("unlocked levels", func(t *testing.T) {
		require.NoError(t, src.SaveUnlockedLevels(ctx, map[network.UserID]int{2: 5, 3: 0}))
		got, err := src.LoadUsers(ctx)
		require.NoError(t, err)
		require.Equal(t, 5, got[1].UnlockedLevel)
		require.Equal(t, 0, got[2].UnlockedLevel)
	})
}
