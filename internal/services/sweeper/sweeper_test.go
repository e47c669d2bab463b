package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/human-protocol/job-launcher/internal/chain"
	"github.com/human-protocol/job-launcher/internal/domain/job"
	"github.com/human-protocol/job-launcher/internal/domain/manifest"
	"github.com/human-protocol/job-launcher/internal/domain/payment"
	"github.com/human-protocol/job-launcher/internal/exchange"
	"github.com/human-protocol/job-launcher/internal/objstore"
	jobsvc "github.com/human-protocol/job-launcher/internal/services/job"
	"github.com/human-protocol/job-launcher/internal/storage/memory"
)

type fakeEscrow struct {
	createErr error
	canceled  []string
}

func (e *fakeEscrow) CreateEscrow(context.Context, int, []string) (string, error) {
	if e.createErr != nil {
		return "", e.createErr
	}
	return "0xescrow", nil
}

func (e *fakeEscrow) SetupEscrow(context.Context, int, string, chain.EscrowConfig) error {
	return nil
}

func (e *fakeEscrow) FundEscrow(context.Context, int, string, decimal.Decimal) error {
	return nil
}

func (e *fakeEscrow) ResultsURL(context.Context, int, string) (string, error) {
	return "", nil
}

func (e *fakeEscrow) CancelEscrow(_ context.Context, _ int, addr string) error {
	e.canceled = append(e.canceled, addr)
	return nil
}

func (e *fakeEscrow) Status(context.Context, int, string) (chain.EscrowStatus, error) {
	return chain.EscrowPending, nil
}

func (e *fakeEscrow) Balance(context.Context, int, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type env struct {
	sweeper *Sweeper
	store   *memory.Store
	objects *objstore.MemStore
	escrow  *fakeEscrow
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()
	store := memory.New()
	objects := objstore.NewMemStore()
	escrow := &fakeEscrow{}

	svc := jobsvc.New(store, store, objects, escrow, chain.NewSelector([]int{1338}),
		exchange.Fixed(decimal.NewFromInt(1)), nil, jobsvc.Options{FeePercentage: 10}, nil)

	return &env{
		sweeper: New(store, svc, escrow, opts, nil),
		store:   store,
		objects: objects,
		escrow:  escrow,
	}
}

// seedPaidJob stores a PAID job whose manifest is downloadable, plus the
// withdrawal that paid for it.
func (e *env) seedPaidJob(t *testing.T, retries int) job.Job {
	t.Helper()
	ctx := context.Background()

	m := manifest.Manifest{
		Type: job.RequestTypeFortune,
		Fortune: &manifest.Fortune{
			RequestType:          job.RequestTypeFortune,
			SubmissionsRequired:  3,
			RequesterTitle:       "Fortune teller",
			RequesterDescription: "Share your best fortune",
			FundAmount:           decimal.NewFromInt(50),
		},
	}
	body, err := m.Encode()
	if err != nil {
		t.Fatalf("encode manifest: %v", err)
	}
	up, err := e.objects.UploadManifest(ctx, body)
	if err != nil {
		t.Fatalf("upload manifest: %v", err)
	}

	j, err := e.store.CreateJob(ctx, job.Job{
		UserID:       "user-1",
		ChainID:      1338,
		RequestType:  job.RequestTypeFortune,
		ManifestURL:  up.URL,
		ManifestHash: up.Hash,
		FundAmount:   decimal.NewFromInt(50),
		Fee:          decimal.NewFromInt(5),
		Status:       job.StatusPaid,
		RetriesCount: retries,
		WaitUntil:    time.Now().UTC().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("seed job: %v", err)
	}

	_, err = e.store.CreatePayment(ctx, payment.Payment{
		UserID:   "user-1",
		JobID:    j.ID,
		Source:   payment.SourceBalance,
		Type:     payment.TypeWithdrawal,
		Amount:   decimal.NewFromInt(-55),
		Currency: "hmt",
		Rate:     decimal.NewFromInt(1),
		Status:   payment.StatusSucceeded,
	})
	if err != nil {
		t.Fatalf("seed withdrawal: %v", err)
	}
	return j
}

func TestSweepLaunchesPaidJob(t *testing.T) {
	e := newEnv(t, Options{ChunkSize: 10, MaxRetries: 5})
	j := e.seedPaidJob(t, 0)

	e.sweeper.Sweep(context.Background())

	stored, err := e.store.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != job.StatusLaunched {
		t.Fatalf("expected launched, got %s", stored.Status)
	}
	if stored.EscrowAddress == "" {
		t.Fatal("escrow address missing")
	}
}

func TestSweepFailsJobOutOfRetries(t *testing.T) {
	e := newEnv(t, Options{ChunkSize: 10, MaxRetries: 5})
	j := e.seedPaidJob(t, 5)

	e.sweeper.Sweep(context.Background())

	stored, _ := e.store.GetJob(context.Background(), j.ID)
	if stored.Status != job.StatusFailed {
		t.Fatalf("expected failed, got %s", stored.Status)
	}

	// The withdrawal was credited back.
	balance, _ := e.store.Balance(context.Background(), "user-1")
	if !balance.Equal(decimal.Zero) {
		t.Fatalf("expected balance restored to 0, got %s", balance)
	}
}

func TestSweepRetriesOnLaunchFailure(t *testing.T) {
	e := newEnv(t, Options{ChunkSize: 10, MaxRetries: 5})
	e.escrow.createErr = errors.New("node down")
	j := e.seedPaidJob(t, 0)

	e.sweeper.Sweep(context.Background())

	stored, _ := e.store.GetJob(context.Background(), j.ID)
	if stored.Status != job.StatusPaid {
		t.Fatalf("expected still paid, got %s", stored.Status)
	}
	if stored.RetriesCount != 1 {
		t.Fatalf("expected retry recorded, got %d", stored.RetriesCount)
	}
}

func TestSweepSettlesCancellation(t *testing.T) {
	e := newEnv(t, Options{ChunkSize: 10})
	j := e.seedPaidJob(t, 0)

	j.Status = job.StatusToCancel
	j.EscrowAddress = "0xescrow"
	if _, err := e.store.UpdateJob(context.Background(), j); err != nil {
		t.Fatalf("update: %v", err)
	}

	e.sweeper.Sweep(context.Background())

	stored, _ := e.store.GetJob(context.Background(), j.ID)
	if stored.Status != job.StatusCanceled {
		t.Fatalf("expected canceled, got %s", stored.Status)
	}
	if len(e.escrow.canceled) != 1 || e.escrow.canceled[0] != "0xescrow" {
		t.Fatalf("escrow not canceled: %#v", e.escrow.canceled)
	}

	balance, _ := e.store.Balance(context.Background(), "user-1")
	if !balance.Equal(decimal.Zero) {
		t.Fatalf("expected refund, balance %s", balance)
	}
}

func TestSweepCancelsUnlaunchedWithoutEscrowCall(t *testing.T) {
	e := newEnv(t, Options{ChunkSize: 10})
	j := e.seedPaidJob(t, 0)

	j.Status = job.StatusToCancel
	if _, err := e.store.UpdateJob(context.Background(), j); err != nil {
		t.Fatalf("update: %v", err)
	}

	e.sweeper.Sweep(context.Background())

	stored, _ := e.store.GetJob(context.Background(), j.ID)
	if stored.Status != job.StatusCanceled {
		t.Fatalf("expected canceled, got %s", stored.Status)
	}
	if len(e.escrow.canceled) != 0 {
		t.Fatalf("no escrow cancel expected: %#v", e.escrow.canceled)
	}
}

func TestSweepRespectsWaitUntil(t *testing.T) {
	e := newEnv(t, Options{ChunkSize: 10, MaxRetries: 5})
	j := e.seedPaidJob(t, 0)

	j.WaitUntil = time.Now().UTC().Add(time.Hour)
	if _, err := e.store.UpdateJob(context.Background(), j); err != nil {
		t.Fatalf("update: %v", err)
	}

	e.sweeper.Sweep(context.Background())

	stored, _ := e.store.GetJob(context.Background(), j.ID)
	if stored.Status != job.StatusPaid {
		t.Fatalf("expected untouched, got %s", stored.Status)
	}
}
