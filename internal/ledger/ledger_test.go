package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"OpenMCP-Solana/internal/config"
	xerrors "OpenMCP-Solana/internal/errors"
	"OpenMCP-Solana/internal/issuance"
	"OpenMCP-Solana/internal/lookup"
	"OpenMCP-Solana/internal/observability/alerting"
)

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	fileStore, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	boltStore, err := NewBoltStore(filepath.Join(t.TempDir(), "ledger", "issuances.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = boltStore.Close() })
	return map[string]Store{"file": fileStore, "bolt": boltStore}
}

func TestStoresPutGetList(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := store.Get(ctx, "missing")
			require.ErrorIs(t, err, ErrRecordNotFound)
			require.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))

			require.NoError(t, store.Put(ctx, Record{MintAddress: "A", Phase: PhaseCreated, UpdatedAt: 10}))
			require.NoError(t, store.Put(ctx, Record{MintAddress: "B", Phase: PhaseSupplied, UpdatedAt: 20}))
			require.NoError(t, store.Put(ctx, Record{MintAddress: "A", Phase: PhaseSupplyFailed, UpdatedAt: 30, LastError: "boom"}))

			got, err := store.Get(ctx, "A")
			require.NoError(t, err)
			require.Equal(t, PhaseSupplyFailed, got.Phase)
			require.True(t, got.Resumable())

			all, err := store.List(ctx, ListOptions{})
			require.NoError(t, err)
			require.Len(t, all, 2)
			require.Equal(t, "A", all[0].MintAddress)

			failed, err := store.List(ctx, ListOptions{Phase: PhaseSupplyFailed})
			require.NoError(t, err)
			require.Len(t, failed, 1)

			limited, err := store.List(ctx, ListOptions{Limit: 1})
			require.NoError(t, err)
			require.Len(t, limited, 1)

			require.Error(t, store.Put(ctx, Record{}))
		})
	}
}

func TestFileStoreReplaysLatestRecord(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, Record{MintAddress: "A", Phase: PhaseCreated}))
	require.NoError(t, store.Put(ctx, Record{MintAddress: "A", Phase: PhaseSupplied, SupplySignature: "sig"}))

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	got, err := reopened.Get(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, PhaseSupplied, got.Phase)
	require.Equal(t, "sig", got.SupplySignature)
}

func TestOpenSelectsDriver(t *testing.T) {
	dir := t.TempDir()

	store, err := Open(config.DriverConfig{Driver: "memory"}, dir, nil)
	require.NoError(t, err)
	require.IsType(t, &FileStore{}, store)

	store, err = Open(config.DriverConfig{Driver: "bolt"}, dir, nil)
	require.NoError(t, err)
	require.IsType(t, &BoltStore{}, store)
	require.NoError(t, store.Close())

	_, err = Open(config.DriverConfig{Driver: "mysql"}, dir, nil)
	require.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))

	_, err = Open(config.DriverConfig{Driver: "etcd"}, dir, nil)
	require.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))
}

type captureDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (c *captureDispatcher) Notify(_ context.Context, event alerting.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func TestObserverTracksPhasesAndAlertsOnSupplyFailure(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	alerts := &captureDispatcher{}
	observer := NewObserver(store, alerts)

	decimals := uint8(6)
	req := &issuance.Request{Name: "Demo", Symbol: "DEMO", Decimals: &decimals, InitialSupply: issuance.MustAmount("1000")}
	created := time.Unix(100, 0)

	observer.Observe(ctx, issuance.Event{
		Stage: issuance.StageCreated, Network: "devnet", MintAddress: "Mint111", Signature: "create-sig",
		Request: req, Decimals: 6, InitialSupply: req.InitialSupply, At: created,
	})
	record, err := store.Get(ctx, "Mint111")
	require.NoError(t, err)
	require.Equal(t, PhaseCreated, record.Phase)
	require.Equal(t, "Demo", record.Name)
	require.Equal(t, "create-sig", record.CreateSignature)
	require.Equal(t, "1000", record.InitialSupply)
	require.Empty(t, alerts.events)

	failure := xerrors.New(issuance.CodeSupplyFailed, "mint succeeded, supply mint failed", xerrors.WithMetadata("mint_address", "Mint111"))
	observer.Observe(ctx, issuance.Event{
		Stage: issuance.StageSupplyFailed, Network: "devnet", MintAddress: "Mint111", TokenAccount: "Ata111",
		Request: req, Decimals: 6, InitialSupply: req.InitialSupply, BaseUnits: 1_000_000_000,
		Err: failure, At: created.Add(time.Minute),
	})
	record, err = store.Get(ctx, "Mint111")
	require.NoError(t, err)
	require.Equal(t, PhaseSupplyFailed, record.Phase)
	require.Equal(t, "create-sig", record.CreateSignature)
	require.Equal(t, "Ata111", record.TokenAccount)
	require.Equal(t, int64(100), record.CreatedAt)
	require.Equal(t, int64(160), record.UpdatedAt)
	require.Contains(t, record.LastError, "supply mint failed")

	require.Len(t, alerts.events, 1)
	require.Equal(t, issuance.CodeSupplyFailed, alerts.events[0].Code)
	require.Equal(t, "Mint111", alerts.events[0].Subject)
	require.Equal(t, "devnet", alerts.events[0].Metadata["network"])

	// 续跑事件不携带请求，名称等字段保留。
	observer.Observe(ctx, issuance.Event{
		Stage: issuance.StageSupplied, Network: "devnet", MintAddress: "Mint111", TokenAccount: "Ata111",
		Signature: "supply-sig", Decimals: 6, InitialSupply: req.InitialSupply, BaseUnits: 1_000_000_000,
		At: created.Add(2 * time.Minute),
	})
	record, err = store.Get(ctx, "Mint111")
	require.NoError(t, err)
	require.Equal(t, PhaseSupplied, record.Phase)
	require.Equal(t, "Demo", record.Name)
	require.Empty(t, record.LastError)
	require.Equal(t, "supply-sig", record.SupplySignature)
	require.False(t, record.Resumable())
}

type brokenStore struct{ FileStore }

func (*brokenStore) Get(context.Context, string) (*Record, error) {
	return nil, errors.New("disk gone")
}

func TestObserverSwallowsStoreErrors(t *testing.T) {
	observer := NewObserver(&brokenStore{}, nil)
	require.NotPanics(t, func() {
		observer.Observe(context.Background(), issuance.Event{Stage: issuance.StageCreated, MintAddress: "M", At: time.Now()})
	})
}

func TestRecordSupplyArguments(t *testing.T) {
	args, err := Record{MintAddress: "Mint111", Phase: PhaseSupplyFailed, Decimals: 6, InitialSupply: "1000.5"}.SupplyArguments()
	require.NoError(t, err)
	require.JSONEq(t, `{"mintAddress":"Mint111","decimals":6,"initialSupply":1000.5}`, string(args))

	_, err = Record{MintAddress: "Mint111", Phase: PhaseSupplied, InitialSupply: "1"}.SupplyArguments()
	require.Equal(t, xerrors.CodeConflict, xerrors.CodeOf(err))

	_, err = Record{MintAddress: "Mint111", Phase: PhaseCreated}.SupplyArguments()
	require.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

type stubFinder struct {
	tx    *lookup.TransactionDetails
	err   error
	calls int
}

func (f *stubFinder) Transaction(_ context.Context, signature string) (*lookup.TransactionDetails, error) {
	f.calls++
	if f.tx != nil {
		f.tx.Signature = signature
	}
	return f.tx, f.err
}

func TestResumeArgumentsChecksPreviousSupplyTransaction(t *testing.T) {
	ctx := context.Background()
	timedOut := Record{
		MintAddress:     "Mint111",
		Phase:           PhaseSupplyFailed,
		Decimals:        6,
		InitialSupply:   "1000",
		SupplySignature: "5sigSupply",
		LastError:       "[CONFIRMATION_TIMEOUT] 等待交易确认超时",
	}

	landed := &stubFinder{tx: &lookup.TransactionDetails{Status: "success"}}
	_, err := timedOut.ResumeArguments(ctx, landed)
	require.Equal(t, xerrors.CodeConflict, xerrors.CodeOf(err))
	require.Equal(t, "5sigSupply", xerrors.MetadataOf(err, "signature"))
	require.Equal(t, 1, landed.calls)

	failed := &stubFinder{tx: &lookup.TransactionDetails{Status: "failed", Error: `{"InstructionError":[1,"Custom"]}`}}
	args, err := timedOut.ResumeArguments(ctx, failed)
	require.NoError(t, err)
	require.JSONEq(t, `{"mintAddress":"Mint111","decimals":6,"initialSupply":1000}`, string(args))

	_, err = timedOut.ResumeArguments(ctx, &stubFinder{err: lookup.ErrTransactionNotFound})
	require.NoError(t, err)

	_, err = timedOut.ResumeArguments(ctx, &stubFinder{err: xerrors.New(xerrors.CodeUnavailable, "rpc down")})
	require.Equal(t, xerrors.CodeUnavailable, xerrors.CodeOf(err))

	_, err = timedOut.ResumeArguments(ctx, nil)
	require.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))

	unsent := timedOut
	unsent.SupplySignature = ""
	_, err = unsent.ResumeArguments(ctx, nil)
	require.NoError(t, err)
}
