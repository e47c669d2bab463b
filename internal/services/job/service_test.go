package job

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/human-protocol/job-launcher/internal/chain"
	"github.com/human-protocol/job-launcher/internal/domain/errs"
	"github.com/human-protocol/job-launcher/internal/domain/job"
	"github.com/human-protocol/job-launcher/internal/domain/payment"
	"github.com/human-protocol/job-launcher/internal/exchange"
	"github.com/human-protocol/job-launcher/internal/objstore"
	"github.com/human-protocol/job-launcher/internal/storage/memory"
	"github.com/human-protocol/job-launcher/internal/webhook"
)

// Both the cached service and the fixed test rate must plug into the
// orchestrator directly.
var (
	_ Rater = exchange.Fixed(decimal.Decimal{})
	_ Rater = (*exchange.Service)(nil)
)

type stubEscrow struct {
	mu         sync.Mutex
	address    string
	createErr  error
	setupErr   error
	fundErr    error
	resultsURL string

	setups   []chain.EscrowConfig
	funded   map[string]decimal.Decimal
	canceled []string
}

func newStubEscrow() *stubEscrow {
	return &stubEscrow{address: "0xescrow", funded: make(map[string]decimal.Decimal)}
}

func (e *stubEscrow) CreateEscrow(_ context.Context, _ int, _ []string) (string, error) {
	if e.createErr != nil {
		return "", e.createErr
	}
	return e.address, nil
}

func (e *stubEscrow) SetupEscrow(_ context.Context, _ int, _ string, cfg chain.EscrowConfig) error {
	if e.setupErr != nil {
		return e.setupErr
	}
	e.mu.Lock()
	e.setups = append(e.setups, cfg)
	e.mu.Unlock()
	return nil
}

func (e *stubEscrow) FundEscrow(_ context.Context, _ int, addr string, amount decimal.Decimal) error {
	if e.fundErr != nil {
		return e.fundErr
	}
	e.mu.Lock()
	e.funded[addr] = amount
	e.mu.Unlock()
	return nil
}

func (e *stubEscrow) ResultsURL(context.Context, int, string) (string, error) {
	return e.resultsURL, nil
}

func (e *stubEscrow) CancelEscrow(_ context.Context, _ int, addr string) error {
	e.mu.Lock()
	e.canceled = append(e.canceled, addr)
	e.mu.Unlock()
	return nil
}

func (e *stubEscrow) Status(context.Context, int, string) (chain.EscrowStatus, error) {
	return chain.EscrowPending, nil
}

func (e *stubEscrow) Balance(_ context.Context, _ int, addr string) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.funded[addr], nil
}

type stubNotifier struct {
	mu     sync.Mutex
	events []webhook.EscrowCreated
	err    error
}

func (n *stubNotifier) NotifyEscrowCreated(_ context.Context, e webhook.EscrowCreated) error {
	if n.err != nil {
		return n.err
	}
	n.mu.Lock()
	n.events = append(n.events, e)
	n.mu.Unlock()
	return nil
}

type env struct {
	svc      *Service
	store    *memory.Store
	objects  *objstore.MemStore
	escrow   *stubEscrow
	notifier *stubNotifier
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memory.New()
	objects := objstore.NewMemStore()
	escrow := newStubEscrow()
	notifier := &stubNotifier{}

	svc := New(store, store, objects, escrow, chain.NewSelector([]int{1338}),
		exchange.Fixed(decimal.NewFromInt(1)), notifier, Options{
			FeePercentage: 10,
			Oracles: Oracles{
				RecordingAddress:     "0xrec",
				ReputationAddress:    "0xrep",
				RecordingFeePercent:  10,
				ReputationFeePercent: 10,
			},
			TrustedHandlers: []string{"0xhandler"},
		}, nil)

	return &env{svc: svc, store: store, objects: objects, escrow: escrow, notifier: notifier}
}

func (e *env) deposit(t *testing.T, userID string, usd int64) {
	t.Helper()
	_, err := e.store.CreatePayment(context.Background(), payment.Payment{
		UserID:   userID,
		Source:   payment.SourceFiat,
		Type:     payment.TypeDeposit,
		Amount:   decimal.NewFromInt(usd),
		Currency: "usd",
		Rate:     decimal.NewFromInt(1),
		Status:   payment.StatusSucceeded,
	})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func fortuneRequest() FortuneRequest {
	return FortuneRequest{
		SubmissionsRequired:  3,
		RequesterTitle:       "Fortune teller",
		RequesterDescription: "Share your best fortune",
		FundAmount:           decimal.NewFromInt(50),
	}
}

func cvatRequest() CvatRequest {
	return CvatRequest{
		DataURL:    "https://data.example.com/images",
		Labels:     []string{"cat", "dog"},
		Type:       "IMAGE_LABEL_BINARY",
		JobSize:    10,
		MaxTime:    300,
		MinQuality: 0.8,
		ValSize:    2,
		GtURL:      "https://data.example.com/gt.json",
		FundAmount: decimal.NewFromInt(50),
	}
}

func TestCreateFortuneJobChargesFeeAndLaunches(t *testing.T) {
	e := newEnv(t)
	e.deposit(t, "user-1", 100)

	j, err := e.svc.CreateFortuneJob(context.Background(), "user-1", fortuneRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if j.Status != job.StatusLaunched {
		t.Fatalf("expected launched, got %s", j.Status)
	}
	if j.EscrowAddress != "0xescrow" {
		t.Fatalf("escrow address not recorded: %q", j.EscrowAddress)
	}
	if !j.Fee.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("10%% of 50 should be 5, got %s", j.Fee)
	}

	// 100 deposited, 55 charged.
	balance, err := e.store.Balance(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !balance.Equal(decimal.NewFromInt(45)) {
		t.Fatalf("expected balance 45, got %s", balance)
	}

	// Only the fund amount reaches the escrow; the fee stays with the launcher.
	if funded := e.escrow.funded["0xescrow"]; !funded.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected 50 funded, got %s", funded)
	}

	if len(e.escrow.setups) != 1 {
		t.Fatalf("expected one setup call, got %d", len(e.escrow.setups))
	}
	setup := e.escrow.setups[0]
	if setup.ManifestURL != j.ManifestURL || setup.ManifestHash != j.ManifestHash {
		t.Fatalf("setup does not reference the manifest: %#v", setup)
	}

	// Fortune jobs do not notify the exchange oracle.
	if len(e.notifier.events) != 0 {
		t.Fatalf("unexpected webhook: %#v", e.notifier.events)
	}
}

func TestLedgerRecordUsesExchangeRate(t *testing.T) {
	store := memory.New()
	// 1 token is worth 2 USD.
	svc := New(store, store, objstore.NewMemStore(), newStubEscrow(), chain.NewSelector([]int{1338}),
		exchange.Fixed(decimal.NewFromInt(2)), nil, Options{FeePercentage: 10}, nil)

	_, err := store.CreatePayment(context.Background(), payment.Payment{
		UserID:   "user-1",
		Source:   payment.SourceFiat,
		Type:     payment.TypeDeposit,
		Amount:   decimal.NewFromInt(100),
		Currency: "usd",
		Rate:     decimal.NewFromInt(1),
		Status:   payment.StatusSucceeded,
	})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}

	j, err := svc.CreateFortuneJob(context.Background(), "user-1", fortuneRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// 50 USD fund + 5 USD fee at 2 USD/token.
	if !j.FundAmount.Equal(decimal.RequireFromString("25")) {
		t.Fatalf("expected fund 25 tokens, got %s", j.FundAmount)
	}
	if !j.Fee.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("expected fee 2.5 tokens, got %s", j.Fee)
	}

	records, _ := store.ListPayments(context.Background(), "user-1")
	var debit *payment.Payment
	for i := range records {
		if records[i].Type == payment.TypeWithdrawal {
			debit = &records[i]
		}
	}
	if debit == nil {
		t.Fatal("withdrawal record missing")
	}
	if !debit.Amount.Equal(decimal.RequireFromString("-27.5")) {
		t.Fatalf("expected -27.5 tokens, got %s", debit.Amount)
	}
	if !debit.Rate.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected rate 2, got %s", debit.Rate)
	}

	// The USD balance dropped by exactly 55.
	balance, _ := store.Balance(context.Background(), "user-1")
	if !balance.Equal(decimal.NewFromInt(45)) {
		t.Fatalf("expected balance 45, got %s", balance)
	}
}

type countingRater struct {
	calls int
	rate  decimal.Decimal
}

func (r *countingRater) USDRate(context.Context) (decimal.Decimal, error) {
	r.calls++
	return r.rate, nil
}

// The manifest amounts and the ledger record must be priced at the same
// rate, so a create call resolves the rate exactly once.
func TestCreateJobFetchesRateOnce(t *testing.T) {
	store := memory.New()
	rater := &countingRater{rate: decimal.NewFromInt(2)}
	svc := New(store, store, objstore.NewMemStore(), newStubEscrow(), chain.NewSelector([]int{1338}),
		rater, nil, Options{FeePercentage: 10}, nil)

	_, err := store.CreatePayment(context.Background(), payment.Payment{
		UserID:   "user-1",
		Source:   payment.SourceFiat,
		Type:     payment.TypeDeposit,
		Amount:   decimal.NewFromInt(200),
		Currency: "usd",
		Rate:     decimal.NewFromInt(1),
		Status:   payment.StatusSucceeded,
	})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if _, err := svc.CreateFortuneJob(context.Background(), "user-1", fortuneRequest()); err != nil {
		t.Fatalf("create fortune: %v", err)
	}
	if rater.calls != 1 {
		t.Fatalf("fortune create resolved the rate %d times", rater.calls)
	}

	rater.calls = 0
	if _, err := svc.CreateCvatJob(context.Background(), "user-1", cvatRequest()); err != nil {
		t.Fatalf("create cvat: %v", err)
	}
	if rater.calls != 1 {
		t.Fatalf("cvat create resolved the rate %d times", rater.calls)
	}
}

func TestCreateJobInsufficientFunds(t *testing.T) {
	e := newEnv(t)
	e.deposit(t, "user-1", 10)

	_, err := e.svc.CreateFortuneJob(context.Background(), "user-1", fortuneRequest())
	if !errors.Is(err, errs.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	jobs, _ := e.store.ListJobs(context.Background(), "user-1")
	if len(jobs) != 0 {
		t.Fatalf("nothing should be persisted, got %d jobs", len(jobs))
	}
}

func TestCreateJobUnknownChain(t *testing.T) {
	e := newEnv(t)
	e.deposit(t, "user-1", 100)

	req := fortuneRequest()
	req.ChainID = 999

	_, err := e.svc.CreateFortuneJob(context.Background(), "user-1", req)
	if !errors.Is(err, errs.ErrInvalidChainID) {
		t.Fatalf("expected invalid chain id, got %v", err)
	}
}

func TestCreateJobInvalidManifest(t *testing.T) {
	e := newEnv(t)
	e.deposit(t, "user-1", 100)

	req := fortuneRequest()
	req.RequesterTitle = ""

	_, err := e.svc.CreateFortuneJob(context.Background(), "user-1", req)
	if !errors.Is(err, errs.ErrManifestValidationFailed) {
		t.Fatalf("expected manifest validation failure, got %v", err)
	}
}

func TestLaunchFailureLeavesJobPaid(t *testing.T) {
	e := newEnv(t)
	e.deposit(t, "user-1", 100)
	e.escrow.createErr = errs.ErrEscrowNotCreated

	j, err := e.svc.CreateFortuneJob(context.Background(), "user-1", fortuneRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	stored, err := e.store.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != job.StatusPaid {
		t.Fatalf("expected paid, got %s", stored.Status)
	}
	if stored.RetriesCount != 1 {
		t.Fatalf("expected one retry recorded, got %d", stored.RetriesCount)
	}

	// The payment went through even though the launch did not.
	balance, _ := e.store.Balance(context.Background(), "user-1")
	if !balance.Equal(decimal.NewFromInt(45)) {
		t.Fatalf("expected balance 45, got %s", balance)
	}
}

func TestCvatJobNotifiesOracle(t *testing.T) {
	e := newEnv(t)
	e.deposit(t, "user-1", 100)

	j, err := e.svc.CreateCvatJob(context.Background(), "user-1", cvatRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if j.Status != job.StatusLaunched {
		t.Fatalf("expected launched, got %s", j.Status)
	}

	if len(e.notifier.events) != 1 {
		t.Fatalf("expected one webhook, got %d", len(e.notifier.events))
	}
	event := e.notifier.events[0]
	if event.EscrowAddress != "0xescrow" || event.ChainID != 1338 {
		t.Fatalf("unexpected event: %#v", event)
	}
}

func TestWebhookFailureKeepsJobLaunched(t *testing.T) {
	e := newEnv(t)
	e.deposit(t, "user-1", 100)
	e.notifier.err = errs.ErrWebhookNotSent

	j, err := e.svc.CreateCvatJob(context.Background(), "user-1", cvatRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if j.Status != job.StatusLaunched {
		t.Fatalf("webhook failure must not affect state, got %s", j.Status)
	}
}

func TestGetResultFortune(t *testing.T) {
	e := newEnv(t)
	e.deposit(t, "user-1", 100)

	j, err := e.svc.CreateFortuneJob(context.Background(), "user-1", fortuneRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	e.escrow.resultsURL = "mem://results/final.json"
	e.objects.Put(e.escrow.resultsURL, []byte(`[{"worker_address":"0x1","solution":"fortune favors the bold"}]`))

	res, err := e.svc.GetResult(context.Background(), "user-1", j.ID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if len(res.Fortune) != 1 || res.Fortune[0].Solution != "fortune favors the bold" {
		t.Fatalf("unexpected result: %#v", res)
	}
}

func TestGetResultNotReady(t *testing.T) {
	e := newEnv(t)
	e.deposit(t, "user-1", 100)

	j, err := e.svc.CreateFortuneJob(context.Background(), "user-1", fortuneRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = e.svc.GetResult(context.Background(), "user-1", j.ID)
	if !errors.Is(err, errs.ErrResultNotFound) {
		t.Fatalf("expected result not found, got %v", err)
	}
}

func TestGetResultHidesOtherUsersJobs(t *testing.T) {
	e := newEnv(t)
	e.deposit(t, "user-1", 100)

	j, err := e.svc.CreateFortuneJob(context.Background(), "user-1", fortuneRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = e.svc.GetResult(context.Background(), "user-2", j.ID)
	if !errors.Is(err, errs.ErrJobNotFound) {
		t.Fatalf("expected job not found, got %v", err)
	}
}

func TestRequestCancelFlagsJob(t *testing.T) {
	e := newEnv(t)
	e.deposit(t, "user-1", 100)

	j, err := e.svc.CreateFortuneJob(context.Background(), "user-1", fortuneRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	canceled, err := e.svc.RequestCancel(context.Background(), "user-1", j.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.Status != job.StatusToCancel {
		t.Fatalf("expected to_cancel, got %s", canceled.Status)
	}
}

func TestRequestCancelTerminalJob(t *testing.T) {
	e := newEnv(t)

	j, err := e.store.CreateJob(context.Background(), job.Job{
		UserID: "user-1",
		Status: job.StatusFailed,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err = e.svc.RequestCancel(context.Background(), "user-1", j.ID)
	if !errors.Is(err, errs.ErrInvalidJobStatus) {
		t.Fatalf("expected invalid job status, got %v", err)
	}
}

func TestRefundRestoresBalance(t *testing.T) {
	e := newEnv(t)
	e.deposit(t, "user-1", 100)

	j, err := e.svc.CreateFortuneJob(context.Background(), "user-1", fortuneRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := e.svc.Refund(context.Background(), j); err != nil {
		t.Fatalf("refund: %v", err)
	}

	balance, _ := e.store.Balance(context.Background(), "user-1")
	if !balance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected balance restored to 100, got %s", balance)
	}

	// Both ledger records survive; nothing is mutated in place.
	records, _ := e.store.ListPayments(context.Background(), "user-1")
	if len(records) != 3 {
		t.Fatalf("expected deposit + withdrawal + refund, got %d records", len(records))
	}
}

func TestRefundTwiceCreditsOnce(t *testing.T) {
	e := newEnv(t)
	e.deposit(t, "user-1", 100)

	j, err := e.svc.CreateFortuneJob(context.Background(), "user-1", fortuneRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := e.svc.Refund(context.Background(), j); err != nil {
			t.Fatalf("refund %d: %v", i, err)
		}
	}

	balance, _ := e.store.Balance(context.Background(), "user-1")
	if !balance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("second refund must be a no-op, got balance %s", balance)
	}
	records, _ := e.store.ListPayments(context.Background(), "user-1")
	if len(records) != 3 {
		t.Fatalf("expected deposit + withdrawal + refund, got %d records", len(records))
	}
}

func TestRefundWithoutChargeIsNoop(t *testing.T) {
	e := newEnv(t)

	j, err := e.store.CreateJob(context.Background(), job.Job{
		UserID: "user-1",
		Status: job.StatusPending,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := e.svc.Refund(context.Background(), j); err != nil {
		t.Fatalf("refund: %v", err)
	}
	records, _ := e.store.ListPayments(context.Background(), "user-1")
	if len(records) != 0 {
		t.Fatalf("no records expected, got %d", len(records))
	}
}
