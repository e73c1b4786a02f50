package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/parlakisik/campus-exchange/internal/model"
	"github.com/parlakisik/campus-exchange/internal/store"
	"github.com/parlakisik/campus-exchange/internal/testutil"
	"github.com/shopspring/decimal"
)

var (
	client     = Actor{ID: "client_test_001", Role: RoleUser}
	freelancer = Actor{ID: "freelancer_test_001", Role: RoleUser}
	outsider   = Actor{ID: "someone_else", Role: RoleUser}
	admin      = Actor{ID: "admin_001", Role: RoleAdmin}
	bidService = Actor{ID: "svc_bid", Role: RoleService}
)

func newTestService(t *testing.T, opts Options) (*Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	svc := New(st, nil, opts)
	t.Cleanup(svc.Drain)
	return svc, st
}

func seedContract(t *testing.T, st store.EscrowStore, f testutil.ContractFixture) {
	t.Helper()
	err := st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertContract(ctx, f.Contract); err != nil {
			return err
		}
		for _, m := range f.Milestones {
			if err := tx.InsertMilestone(ctx, m); err != nil {
				return err
			}
		}
		return nil
	})
	testutil.AssertNoError(t, err, "seed contract")
}

func assertAmount(t *testing.T, field, got, want string) {
	t.Helper()
	g, err := decimal.NewFromString(got)
	if err != nil {
		t.Fatalf("%s = %q, not a decimal", field, got)
	}
	if !g.Equal(decimal.RequireFromString(want)) {
		t.Errorf("%s = %s, want %s", field, got, want)
	}
}

func assertErr(t *testing.T, err error, want *Error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("error = %v, want %s", err, want.Code)
	}
}

// assertBalanceInvariant checks escrow + released <= total and escrow >= 0.
func assertBalanceInvariant(t *testing.T, svc *Service, contractID string) {
	t.Helper()
	b, err := svc.GetEscrowBalance(context.Background(), contractID)
	testutil.AssertNoError(t, err)
	escrow := decimal.RequireFromString(b.EscrowBalance)
	released := decimal.RequireFromString(b.ReleasedAmount)
	if escrow.IsNegative() {
		t.Errorf("escrow balance = %s, must not be negative", escrow)
	}
	if escrow.Add(released).GreaterThan(decimal.RequireFromString(b.TotalAmount)) {
		t.Errorf("escrow %s + released %s exceeds total %s", escrow, released, b.TotalAmount)
	}
}

func milestone(t *testing.T, svc *Service, contractID, milestoneID string) model.Milestone {
	t.Helper()
	ms, err := svc.ListMilestones(context.Background(), contractID)
	testutil.AssertNoError(t, err)
	for _, m := range ms {
		if m.ID == milestoneID {
			return m
		}
	}
	t.Fatalf("milestone %s not found on %s", milestoneID, contractID)
	return model.Milestone{}
}

// recordingSink captures published event types.
type recordingSink struct {
	mu    sync.Mutex
	types []string
	err   error
}

func (r *recordingSink) Publish(_ context.Context, eventType string, _ map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, eventType)
	return r.err
}

func (r *recordingSink) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.types)
}

func (r *recordingSink) has(eventType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, et := range r.types {
		if et == eventType {
			return true
		}
	}
	return false
}

// failingStore fails every wallet write, after the escrow debit has been staged.
type failingStore struct {
	store.EscrowStore
	err error
}

func (s failingStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return s.EscrowStore.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, failingTx{Tx: tx, err: s.err})
	})
}

type failingTx struct {
	store.Tx
	err error
}

func (t failingTx) PutWallet(context.Context, model.Wallet) error { return t.err }

func TestEscrowScenario(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t, Options{})
	f := testutil.NewContractFixture().
		WithID("c_scenario").
		WithMilestoneStatus(0, model.MilestoneApproved).
		WithMilestoneStatus(1, model.MilestoneApproved)
	seedContract(t, st, f)

	dep, err := svc.Deposit(ctx, "c_scenario", client, "1000")
	testutil.AssertNoError(t, err)
	assertAmount(t, "escrow after deposit", dep.EscrowBalance, "1000")

	rel, err := svc.ReleaseMilestone(ctx, "c_scenario", "c_scenario_m1", client, "")
	testutil.AssertNoError(t, err)
	assertAmount(t, "release_amount", rel.ReleaseAmount, "500")
	assertAmount(t, "escrow after release", rel.EscrowBalance, "500")
	assertAmount(t, "released_amount", rel.ReleasedAmount, "500")
	testutil.AssertEqual(t, false, rel.AlreadyPaid)

	again, err := svc.ReleaseMilestone(ctx, "c_scenario", "c_scenario_m1", client, "")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, true, again.AlreadyPaid)
	assertAmount(t, "escrow after repeat", again.EscrowBalance, "500")

	w, err := svc.GetWallet(ctx, model.PartyUser, "freelancer_test_001")
	testutil.AssertNoError(t, err)
	assertAmount(t, "freelancer wallet", w.Balance, "500")

	d, err := svc.CreateDispute(ctx, "c_scenario", client, CreateDisputeInput{Reason: "quality", Description: "not as agreed"})
	testutil.AssertNoError(t, err)
	assertAmount(t, "disputed amount", d.Amount, "500")

	_, err = svc.ReleaseMilestone(ctx, "c_scenario", "c_scenario_m2", client, "")
	assertErr(t, err, ErrContractDisputed)
	_, err = svc.Deposit(ctx, "c_scenario", client, "10")
	assertErr(t, err, ErrContractDisputed)

	res, err := svc.ResolveDispute(ctx, d.ID, admin, ResolveInput{Resolution: "client refunded", Action: model.DisputeActionRefund})
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, model.DisputeResolved, res.Dispute.Status)
	assertAmount(t, "escrow after refund", res.Escrow.EscrowBalance, "0")
	testutil.AssertEqual(t, model.ContractStatusCompleted, res.Escrow.Status)

	history, err := svc.GetTransactionHistory(ctx, "c_scenario")
	testutil.AssertNoError(t, err)
	wantKinds := []model.EntryKind{model.EntryDeposit, model.EntryMilestoneRelease, model.EntryRefund}
	testutil.AssertEqual(t, len(wantKinds), len(history))
	for i, e := range history {
		testutil.AssertEqual(t, wantKinds[i], e.Kind)
		testutil.AssertEqual(t, int64(i+1), e.Seq)
	}
	assertBalanceInvariant(t, svc, "c_scenario")
}

func TestDeposit(t *testing.T) {
	tests := []struct {
		name    string
		fixture testutil.ContractFixture
		actor   Actor
		amount  string
		wantErr *Error
	}{
		{name: "zero amount", actor: client, amount: "0", wantErr: ErrInvalidAmount},
		{name: "negative amount", actor: client, amount: "-5", wantErr: ErrInvalidAmount},
		{name: "not a number", actor: client, amount: "abc", wantErr: ErrInvalidAmount},
		{name: "sub-cent precision", actor: client, amount: "1.001", wantErr: ErrInvalidAmount},
		{name: "freelancer cannot deposit", actor: freelancer, amount: "100", wantErr: ErrUnauthorized},
		{
			name:    "cancelled contract",
			fixture: testutil.NewContractFixture().WithStatus(model.ContractStatusCancelled),
			actor:   client,
			amount:  "100",
			wantErr: ErrContractNotActive,
		},
		{
			name:    "above contract total",
			fixture: testutil.NewContractFixture().WithEscrow("600"),
			actor:   client,
			amount:  "500",
			wantErr: ErrExceedsTotal,
		},
		{name: "valid deposit", actor: client, amount: "250.50"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, st := newTestService(t, Options{})
			f := tt.fixture
			if f.Contract.ID == "" {
				f = testutil.NewContractFixture()
			}
			seedContract(t, st, f)

			res, err := svc.Deposit(context.Background(), f.Contract.ID, tt.actor, tt.amount)
			if tt.wantErr != nil {
				assertErr(t, err, tt.wantErr)
				b, _ := svc.GetEscrowBalance(context.Background(), f.Contract.ID)
				assertAmount(t, "escrow after failed deposit", b.EscrowBalance, f.Contract.EscrowBalance)
				return
			}
			testutil.AssertNoError(t, err)
			assertAmount(t, "new_escrow_balance", res.EscrowBalance, tt.amount)
			if res.TransactionID == "" {
				t.Error("Deposit() returned no transaction id")
			}
		})
	}
}

func TestDepositNotFound(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	_, err := svc.Deposit(context.Background(), "missing", client, "10")
	assertErr(t, err, ErrContractNotFound)
}

func TestDepositRelaxedCeiling(t *testing.T) {
	svc, st := newTestService(t, Options{RelaxDepositCeiling: true})
	seedContract(t, st, testutil.NewContractFixture().WithEscrow("1000"))

	res, err := svc.Deposit(context.Background(), "contract_test_001", client, "500")
	testutil.AssertNoError(t, err)
	assertAmount(t, "new_escrow_balance", res.EscrowBalance, "1500")
}

func TestReleaseMilestoneFailures(t *testing.T) {
	tests := []struct {
		name    string
		fixture testutil.ContractFixture
		actor   Actor
		wantErr *Error
	}{
		{
			name:    "milestone not approved",
			fixture: testutil.NewContractFixture().WithEscrow("1000").WithMilestoneStatus(0, model.MilestoneSubmitted),
			actor:   client,
			wantErr: ErrMilestoneNotApproved,
		},
		{
			name:    "freelancer cannot release",
			fixture: testutil.NewContractFixture().WithEscrow("1000").WithMilestoneStatus(0, model.MilestoneApproved),
			actor:   freelancer,
			wantErr: ErrUnauthorized,
		},
		{
			name:    "insufficient escrow",
			fixture: testutil.NewContractFixture().WithEscrow("100").WithMilestoneStatus(0, model.MilestoneApproved),
			actor:   client,
			wantErr: ErrInsufficientEscrow,
		},
		{
			name: "disputed contract",
			fixture: testutil.NewContractFixture().WithEscrow("1000").
				WithStatus(model.ContractStatusDisputed).
				WithMilestoneStatus(0, model.MilestoneApproved),
			actor:   client,
			wantErr: ErrContractDisputed,
		},
		{
			name: "completed contract",
			fixture: testutil.NewContractFixture().WithEscrow("1000").
				WithStatus(model.ContractStatusCompleted).
				WithMilestoneStatus(0, model.MilestoneApproved),
			actor:   client,
			wantErr: ErrContractNotActive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, st := newTestService(t, Options{})
			seedContract(t, st, tt.fixture)

			_, err := svc.ReleaseMilestone(context.Background(), "contract_test_001", "contract_test_001_m1", tt.actor, "")
			assertErr(t, err, tt.wantErr)

			b, _ := svc.GetEscrowBalance(context.Background(), "contract_test_001")
			assertAmount(t, "escrow after failed release", b.EscrowBalance, tt.fixture.Contract.EscrowBalance)
			m := milestone(t, svc, "contract_test_001", "contract_test_001_m1")
			testutil.AssertEqual(t, tt.fixture.Milestones[0].Status, m.Status)
		})
	}
}

func TestReleaseMilestoneWithBonus(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t, Options{})
	seedContract(t, st, testutil.NewContractFixture().WithEscrow("1000").WithMilestoneStatus(0, model.MilestoneApproved))

	res, err := svc.ReleaseMilestone(ctx, "contract_test_001", "contract_test_001_m1", client, "50")
	testutil.AssertNoError(t, err)
	assertAmount(t, "release_amount", res.ReleaseAmount, "550")
	assertAmount(t, "escrow", res.EscrowBalance, "450")

	b, _ := svc.GetEscrowBalance(ctx, "contract_test_001")
	assertAmount(t, "total after bonus", b.TotalAmount, "1050")
	assertBalanceInvariant(t, svc, "contract_test_001")
}

func TestReleaseCompletesContract(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	st := store.NewMemoryStore()
	svc := New(st, sink, Options{})
	seedContract(t, st, testutil.NewContractFixture().
		WithEscrow("500").
		WithMilestoneStatus(0, model.MilestoneApproved).
		WithMilestoneStatus(1, model.MilestonePaid))

	res, err := svc.ReleaseMilestone(ctx, "contract_test_001", "contract_test_001_m1", client, "")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, model.ContractStatusCompleted, res.ContractStatus)

	svc.Drain()
	want := []string{"escrow.milestone_released", "contract.completed"}
	if !slices.Equal(sink.events(), want) {
		t.Errorf("published events = %v, want %v", sink.events(), want)
	}
}

func TestEventsDeliveredInPublishOrder(t *testing.T) {
	sink := &recordingSink{}
	svc := New(store.NewMemoryStore(), sink, Options{})

	var want []string
	for i := 0; i < 200; i++ {
		eventType := fmt.Sprintf("test.event_%03d", i)
		want = append(want, eventType)
		svc.publish(context.Background(), eventType, map[string]any{"contract_id": "contract_test_001"})
	}
	svc.Drain()

	if !slices.Equal(sink.events(), want) {
		t.Errorf("events delivered out of order: %v", sink.events())
	}
}

func TestPartialReleaseConservation(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t, Options{})
	seedContract(t, st, testutil.NewContractFixture().
		WithTotal("100").
		WithEscrow("100").
		WithWeights("100").
		WithMilestoneStatus(0, model.MilestoneInProgress))

	steps := []struct {
		pct          string
		wantOriginal string
		wantAmount   string
		wantStatus   model.MilestoneStatus
	}{
		{pct: "33.33", wantOriginal: "0", wantAmount: "33.33", wantStatus: model.MilestoneInProgress},
		{pct: "33.33", wantOriginal: "33.33", wantAmount: "33.33", wantStatus: model.MilestoneInProgress},
		{pct: "33.34", wantOriginal: "66.66", wantAmount: "33.34", wantStatus: model.MilestonePaid},
	}

	total := decimal.Zero
	for i, step := range steps {
		res, err := svc.PartialRelease(ctx, "contract_test_001", "contract_test_001_m1", client, step.pct)
		testutil.AssertNoError(t, err, "step", i)
		assertAmount(t, "original_percentage", res.OriginalPercentage, step.wantOriginal)
		assertAmount(t, "release_amount", res.ReleaseAmount, step.wantAmount)
		testutil.AssertEqual(t, step.wantStatus, res.MilestoneStatus)
		total = total.Add(decimal.RequireFromString(res.ReleaseAmount))
		assertBalanceInvariant(t, svc, "contract_test_001")
	}

	if !total.Equal(decimal.NewFromInt(100)) {
		t.Errorf("sum of partial releases = %s, want 100", total)
	}
	b, _ := svc.GetEscrowBalance(ctx, "contract_test_001")
	assertAmount(t, "escrow", b.EscrowBalance, "0")
	testutil.AssertEqual(t, model.ContractStatusCompleted, b.Status)

	_, err := svc.PartialRelease(ctx, "contract_test_001", "contract_test_001_m1", client, "10")
	assertErr(t, err, ErrAlreadyPaid)
}

func TestPartialReleaseValidation(t *testing.T) {
	tests := []struct {
		name    string
		fixture testutil.ContractFixture
		pct     string
		wantErr *Error
	}{
		{name: "zero percent", pct: "0", wantErr: ErrInvalidPercentage},
		{name: "over one hundred", pct: "101", wantErr: ErrInvalidPercentage},
		{name: "not a number", pct: "half", wantErr: ErrInvalidPercentage},
		{
			name:    "pending milestone",
			fixture: testutil.NewContractFixture().WithEscrow("1000"),
			pct:     "10",
			wantErr: ErrInvalidTransition,
		},
		{
			name: "cumulative over one hundred",
			fixture: func() testutil.ContractFixture {
				f := testutil.NewContractFixture().WithEscrow("1000").WithMilestoneStatus(0, model.MilestoneSubmitted)
				f.Milestones[0].ReleasedPct = "60"
				f.Milestones[0].ReleasedAmount = "300"
				return f
			}(),
			pct:     "50",
			wantErr: ErrInvalidPercentage,
		},
		{
			name: "amount rounds to zero",
			fixture: testutil.NewContractFixture().WithEscrow("1").
				WithFixedAmounts("0.01").
				WithMilestoneStatus(0, model.MilestoneInProgress),
			pct:     "10",
			wantErr: ErrInvalidPercentage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, st := newTestService(t, Options{})
			f := tt.fixture
			if f.Contract.ID == "" {
				f = testutil.NewContractFixture().WithEscrow("1000").WithMilestoneStatus(0, model.MilestoneApproved)
			}
			seedContract(t, st, f)

			_, err := svc.PartialRelease(context.Background(), "contract_test_001", "contract_test_001_m1", client, tt.pct)
			assertErr(t, err, tt.wantErr)
		})
	}
}

func TestTeamSplitRelease(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t, Options{})
	team := testutil.NewTeamFixture("team_a", "u1", "u2", "u3", "u4")
	team.Members[3].Status = model.MemberInactive
	testutil.AssertNoError(t, st.UpsertTeam(ctx, team))
	seedContract(t, st, testutil.NewContractFixture().
		WithTotal("100").
		WithEscrow("100").
		WithPayee(model.TeamPayee("team_a")).
		WithFixedAmounts("100").
		WithMilestoneStatus(0, model.MilestoneApproved))

	res, err := svc.ReleaseMilestone(ctx, "contract_test_001", "contract_test_001_m1", client, "")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, 3, len(res.Splits))

	want := map[string]string{"u1": "33.34", "u2": "33.33", "u3": "33.33"}
	for owner, amount := range want {
		w, err := svc.GetWallet(ctx, model.PartyUser, owner)
		testutil.AssertNoError(t, err)
		assertAmount(t, owner+" wallet", w.Balance, amount)
	}
	tw, err := svc.GetWallet(ctx, model.PartyTeam, "team_a")
	testutil.AssertNoError(t, err)
	assertAmount(t, "team wallet", tw.Balance, "100")
	w, _ := svc.GetWallet(ctx, model.PartyUser, "u4")
	assertAmount(t, "inactive member wallet", w.Balance, "0")

	sum := decimal.Zero
	for _, line := range res.Splits {
		sum = sum.Add(decimal.RequireFromString(line.Amount))
	}
	if !sum.Equal(decimal.NewFromInt(100)) {
		t.Errorf("split lines sum to %s, want 100", sum)
	}

	history, _ := svc.GetTransactionHistory(ctx, "contract_test_001")
	testutil.AssertEqual(t, 1, len(history))
	testutil.AssertEqual(t, model.PartyTeam, history[0].To.Type)
	testutil.AssertEqual(t, 3, len(history[0].Splits))
}

func TestTeamReleaseWithoutActiveMembers(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t, Options{})
	team := testutil.NewTeamFixture("team_gone", "u1")
	team.Members[0].Status = model.MemberInactive
	testutil.AssertNoError(t, st.UpsertTeam(ctx, team))
	seedContract(t, st, testutil.NewContractFixture().
		WithEscrow("1000").
		WithPayee(model.TeamPayee("team_gone")).
		WithMilestoneStatus(0, model.MilestoneApproved))

	_, err := svc.ReleaseMilestone(ctx, "contract_test_001", "contract_test_001_m1", client, "")
	assertErr(t, err, ErrNoActiveMembers)

	b, _ := svc.GetEscrowBalance(ctx, "contract_test_001")
	assertAmount(t, "escrow", b.EscrowBalance, "1000")
}

func TestReleaseRollsBackWhenWalletCreditFails(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	boom := errors.New("wallet backend down")
	svc := New(failingStore{EscrowStore: mem, err: boom}, nil, Options{})
	seedContract(t, mem, testutil.NewContractFixture().WithEscrow("1000").WithMilestoneStatus(0, model.MilestoneApproved))

	_, err := svc.ReleaseMilestone(ctx, "contract_test_001", "contract_test_001_m1", client, "")
	if !errors.Is(err, boom) {
		t.Fatalf("ReleaseMilestone() error = %v, want %v", err, boom)
	}

	c, _ := mem.GetContract(ctx, "contract_test_001")
	assertAmount(t, "escrow", c.EscrowBalance, "1000")
	assertAmount(t, "released", c.ReleasedAmount, "0")
	testutil.AssertEqual(t, int64(1), c.Version)

	ms, _ := mem.ListMilestones(ctx, "contract_test_001")
	testutil.AssertEqual(t, model.MilestoneApproved, ms[0].Status)

	entries, _ := mem.ListLedgerEntries(ctx, "contract_test_001")
	testutil.AssertEqual(t, 0, len(entries))
}

func TestConcurrentDepositsDoNotLoseUpdates(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t, Options{})
	seedContract(t, st, testutil.NewContractFixture())

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				_, err := svc.Deposit(ctx, "contract_test_001", client, "10")
				if IsRetryable(err) {
					continue
				}
				errs <- err
				return
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		testutil.AssertNoError(t, err)
	}

	b, _ := svc.GetEscrowBalance(ctx, "contract_test_001")
	assertAmount(t, "escrow", b.EscrowBalance, "200")

	history, _ := svc.GetTransactionHistory(ctx, "contract_test_001")
	testutil.AssertEqual(t, n, len(history))
	for i, e := range history {
		testutil.AssertEqual(t, int64(i+1), e.Seq)
	}
}

func TestConcurrentReleasesPayOnce(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t, Options{})
	seedContract(t, st, testutil.NewContractFixture().WithEscrow("1000").WithMilestoneStatus(0, model.MilestoneApproved))

	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	paid := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				res, err := svc.ReleaseMilestone(ctx, "contract_test_001", "contract_test_001_m1", client, "")
				if IsRetryable(err) {
					continue
				}
				if err != nil {
					t.Errorf("ReleaseMilestone() error = %v", err)
					return
				}
				if !res.AlreadyPaid {
					mu.Lock()
					paid++
					mu.Unlock()
				}
				return
			}
		}()
	}
	wg.Wait()

	testutil.AssertEqual(t, 1, paid)
	w, _ := svc.GetWallet(ctx, model.PartyUser, "freelancer_test_001")
	assertAmount(t, "freelancer wallet", w.Balance, "500")
	b, _ := svc.GetEscrowBalance(ctx, "contract_test_001")
	assertAmount(t, "escrow", b.EscrowBalance, "500")
}

func TestCreateContract(t *testing.T) {
	valid := func() CreateContractInput {
		return CreateContractInput{
			ProjectID:   "project_1",
			ClientID:    "client_1",
			Payee:       model.IndividualPayee("freelancer_1"),
			TotalAmount: "1000",
			Milestones: []MilestoneInput{
				{Title: "Design", WeightPct: "40"},
				{Title: "Build", WeightPct: "60"},
			},
		}
	}

	tests := []struct {
		name    string
		actor   Actor
		modify  func(*CreateContractInput)
		wantErr *Error
	}{
		{name: "bid service creates", actor: bidService},
		{name: "admin creates", actor: admin},
		{name: "user cannot create", actor: client, wantErr: ErrUnauthorized},
		{
			name:    "weights over one hundred",
			actor:   bidService,
			modify:  func(in *CreateContractInput) { in.Milestones[1].WeightPct = "70" },
			wantErr: ErrInvalidPercentage,
		},
		{
			name:  "weight and amount together",
			actor: bidService,
			modify: func(in *CreateContractInput) {
				in.Milestones[0].Amount = "100"
			},
			wantErr: ErrInvalidInput,
		},
		{
			name:    "fixed amounts above total",
			actor:   bidService,
			modify:  func(in *CreateContractInput) { in.Milestones = []MilestoneInput{{Title: "All", Amount: "1500"}} },
			wantErr: ErrInvalidInput,
		},
		{
			name:    "client is payee",
			actor:   bidService,
			modify:  func(in *CreateContractInput) { in.Payee = model.IndividualPayee("client_1") },
			wantErr: ErrInvalidInput,
		},
		{
			name:    "malformed payee",
			actor:   bidService,
			modify:  func(in *CreateContractInput) { in.Payee = model.Payee{Kind: model.PayeeTeam, UserID: "x"} },
			wantErr: ErrInvalidInput,
		},
		{
			name:    "no milestones",
			actor:   bidService,
			modify:  func(in *CreateContractInput) { in.Milestones = nil },
			wantErr: ErrInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestService(t, Options{})
			in := valid()
			if tt.modify != nil {
				tt.modify(&in)
			}

			view, err := svc.CreateContract(context.Background(), tt.actor, in)
			if tt.wantErr != nil {
				assertErr(t, err, tt.wantErr)
				return
			}
			testutil.AssertNoError(t, err)
			testutil.AssertEqual(t, model.ContractStatusActive, view.Contract.Status)
			testutil.AssertEqual(t, "USD", view.Contract.Currency)
			testutil.AssertEqual(t, 2, len(view.Milestones))
			testutil.AssertEqual(t, model.MilestonePending, view.Milestones[0].Status)

			got, err := svc.GetContract(context.Background(), view.Contract.ID)
			testutil.AssertNoError(t, err)
			testutil.AssertEqual(t, 2, len(got.Milestones))
			testutil.AssertEqual(t, "Design", got.Milestones[0].Title)
		})
	}
}

func TestCreateContractDuplicateID(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	in := CreateContractInput{
		ID:          "ctr_fixed",
		ProjectID:   "project_1",
		ClientID:    "client_1",
		Payee:       model.IndividualPayee("freelancer_1"),
		TotalAmount: "100",
		Milestones:  []MilestoneInput{{Title: "All", Amount: "100"}},
	}
	_, err := svc.CreateContract(context.Background(), bidService, in)
	testutil.AssertNoError(t, err)

	_, err = svc.CreateContract(context.Background(), bidService, in)
	assertErr(t, err, ErrContractExists)
}

func TestCancelContract(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t, Options{})
	seedContract(t, st, testutil.NewContractFixture().WithEscrow("1000").WithMilestoneStatus(0, model.MilestoneApproved))

	_, err := svc.ReleaseMilestone(ctx, "contract_test_001", "contract_test_001_m1", client, "")
	testutil.AssertNoError(t, err)

	_, err = svc.CancelContract(ctx, "contract_test_001", freelancer, "changed my mind")
	assertErr(t, err, ErrUnauthorized)

	res, err := svc.CancelContract(ctx, "contract_test_001", client, "project dropped")
	testutil.AssertNoError(t, err)
	assertAmount(t, "refund_amount", res.RefundAmount, "500")
	testutil.AssertEqual(t, model.ContractStatusCancelled, res.Contract.Status)
	assertAmount(t, "refunded_amount", res.Contract.RefundedAmount, "500")
	assertAmount(t, "escrow", res.Contract.EscrowBalance, "0")

	testutil.AssertEqual(t, model.MilestonePaid, milestone(t, svc, "contract_test_001", "contract_test_001_m1").Status)
	testutil.AssertEqual(t, model.MilestoneCancelled, milestone(t, svc, "contract_test_001", "contract_test_001_m2").Status)

	_, err = svc.Deposit(ctx, "contract_test_001", client, "10")
	assertErr(t, err, ErrContractNotActive)
	_, err = svc.CancelContract(ctx, "contract_test_001", client, "")
	assertErr(t, err, ErrContractNotActive)
}

func TestAdminCancelIsAudited(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t, Options{})
	seedContract(t, st, testutil.NewContractFixture().WithEscrow("200"))

	_, err := svc.CancelContract(ctx, "contract_test_001", admin, "fraud report")
	testutil.AssertNoError(t, err)

	actions, err := svc.ListAdminActions(ctx, "contract_test_001", admin)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, 1, len(actions))
	testutil.AssertEqual(t, "cancel_contract", actions[0].Action)

	_, err = svc.ListAdminActions(ctx, "contract_test_001", client)
	assertErr(t, err, ErrUnauthorized)
}

func TestReverseEntry(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t, Options{})
	seedContract(t, st, testutil.NewContractFixture().WithMilestoneStatus(0, model.MilestoneApproved))

	dep, err := svc.Deposit(ctx, "contract_test_001", client, "300")
	testutil.AssertNoError(t, err)

	_, err = svc.ReverseEntry(ctx, "contract_test_001", dep.TransactionID, client, "")
	assertErr(t, err, ErrUnauthorized)

	res, err := svc.ReverseEntry(ctx, "contract_test_001", dep.TransactionID, admin, "card chargeback")
	testutil.AssertNoError(t, err)
	assertAmount(t, "escrow", res.EscrowBalance, "0")
	testutil.AssertEqual(t, model.EntryReversed, res.Original.Status)
	testutil.AssertEqual(t, dep.TransactionID, res.Adjustment.ReversalOf)
	testutil.AssertEqual(t, model.EntryAdjustment, res.Adjustment.Kind)

	_, err = svc.ReverseEntry(ctx, "contract_test_001", dep.TransactionID, admin, "")
	assertErr(t, err, ErrEntryNotReversible)

	history, _ := svc.GetTransactionHistory(ctx, "contract_test_001")
	testutil.AssertEqual(t, 2, len(history))
	testutil.AssertEqual(t, model.EntryReversed, history[0].Status)
	testutil.AssertEqual(t, res.Adjustment.ID, history[0].ReversedBy)

	_, err = svc.ReverseEntry(ctx, "contract_test_001", "txn_missing", admin, "")
	assertErr(t, err, ErrLedgerEntryNotFound)
}

func TestReverseEntryRejectsReleases(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t, Options{})
	seedContract(t, st, testutil.NewContractFixture().WithMilestoneStatus(0, model.MilestoneApproved))

	_, err := svc.Deposit(ctx, "contract_test_001", client, "1000")
	testutil.AssertNoError(t, err)
	rel, err := svc.ReleaseMilestone(ctx, "contract_test_001", "contract_test_001_m1", client, "")
	testutil.AssertNoError(t, err)

	_, err = svc.ReverseEntry(ctx, "contract_test_001", rel.TransactionID, admin, "")
	assertErr(t, err, ErrEntryNotReversible)
}

func TestUpsertTeam(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	_, err := svc.UpsertTeam(ctx, client, model.Team{ID: "t1"})
	assertErr(t, err, ErrUnauthorized)

	_, err = svc.UpsertTeam(ctx, bidService, model.Team{ID: "t1", Members: []model.TeamMember{{UserID: "u1"}, {UserID: "u1"}}})
	assertErr(t, err, ErrInvalidInput)

	team, err := svc.UpsertTeam(ctx, bidService, model.Team{ID: "t1", Members: []model.TeamMember{{UserID: "u1"}}})
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, model.MemberActive, team.Members[0].Status)
}

func TestPublishFailureDoesNotFailOperation(t *testing.T) {
	sink := &recordingSink{err: errors.New("webhook down")}
	st := store.NewMemoryStore()
	svc := New(st, sink, Options{})
	seedContract(t, st, testutil.NewContractFixture())

	_, err := svc.Deposit(context.Background(), "contract_test_001", client, "100")
	testutil.AssertNoError(t, err)

	svc.Drain()
	if !sink.has("escrow.deposited") {
		t.Errorf("published events = %v, want escrow.deposited", sink.types)
	}
}

func TestGetWalletDefaultsToZero(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	w, err := svc.GetWallet(context.Background(), model.PartyUser, "nobody")
	testutil.AssertNoError(t, err)
	assertAmount(t, "balance", w.Balance, "0")
	testutil.AssertEqual(t, model.PartyUser, w.OwnerType)
}

func TestUserAndTeamWalletsAreSeparate(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t, Options{})
	// The team shares its ID with an unrelated user.
	testutil.AssertNoError(t, st.UpsertTeam(ctx, testutil.NewTeamFixture("shared_id", "u1")))
	seedContract(t, st, testutil.NewContractFixture().
		WithTotal("100").
		WithEscrow("100").
		WithPayee(model.TeamPayee("shared_id")).
		WithFixedAmounts("60", "40").
		WithMilestoneStatus(0, model.MilestoneApproved))
	seedContract(t, st, testutil.NewContractFixture().
		WithID("contract_user").
		WithTotal("100").
		WithEscrow("100").
		WithPayee(model.IndividualPayee("shared_id")).
		WithFixedAmounts("25", "75").
		WithMilestoneStatus(0, model.MilestoneApproved))

	_, err := svc.ReleaseMilestone(ctx, "contract_test_001", "contract_test_001_m1", client, "")
	testutil.AssertNoError(t, err)
	_, err = svc.ReleaseMilestone(ctx, "contract_user", "contract_user_m1", client, "")
	testutil.AssertNoError(t, err)

	tw, _ := svc.GetWallet(ctx, model.PartyTeam, "shared_id")
	assertAmount(t, "team wallet", tw.Balance, "60")
	uw, _ := svc.GetWallet(ctx, model.PartyUser, "shared_id")
	assertAmount(t, "user wallet", uw.Balance, "25")
	testutil.AssertEqual(t, model.PartyUser, uw.OwnerType)
}

func TestStoreErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "nil", err: nil, want: nil},
		{name: "not found mapped", err: store.ErrNotFound, want: ErrContractNotFound},
		{name: "conflict is retryable", err: store.ErrConflict, want: ErrConcurrentModification},
		{name: "engine error passes through", err: ErrInvalidAmount, want: ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := storeErr(tt.err, ErrContractNotFound)
			if tt.want == nil {
				if got != nil {
					t.Errorf("storeErr() = %v, want nil", got)
				}
				return
			}
			if !errors.Is(got, tt.want) {
				t.Errorf("storeErr() = %v, want %v", got, tt.want)
			}
		})
	}

	if !IsRetryable(storeErr(store.ErrConflict, nil)) {
		t.Error("IsRetryable(conflict) = false, want true")
	}
	if IsRetryable(ErrInvalidAmount) {
		t.Error("IsRetryable(invalid amount) = true, want false")
	}
}
