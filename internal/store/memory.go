package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/poolbet/ledger-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions are serialized by a single mutex and run against a private
// copy of the state, which replaces the live state only on commit. The live
// state is never mutated in place, so readers may keep using a snapshot
// after releasing the read lock.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

type memState struct {
	contributions map[string]*model.Contribution // by ID
	refs          map[string]string              // payment_ref → contribution ID
	positions     map[string]*model.Position
	allocations   map[string][]model.Allocation         // by position ID
	distributions map[string][]model.ProfitDistribution // by position ID
	withdrawals   map[string]*model.WithdrawalRequest
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

func newMemState() *memState {
	return &memState{
		contributions: make(map[string]*model.Contribution),
		refs:          make(map[string]string),
		positions:     make(map[string]*model.Position),
		allocations:   make(map[string][]model.Allocation),
		distributions: make(map[string][]model.ProfitDistribution),
		withdrawals:   make(map[string]*model.WithdrawalRequest),
	}
}

// InTx runs fn against a copy of the state and swaps it in when fn succeeds
// and ctx is still live.
func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(ctx, &memTx{st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = work
	return nil
}

// --- Reader (outside a transaction) ---

func (s *MemoryStore) read() *memState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *MemoryStore) GetContributionByRef(_ context.Context, ref string) (*model.Contribution, error) {
	return s.read().contributionByRef(ref)
}

func (s *MemoryStore) ListContributions(_ context.Context, investorID string) ([]model.Contribution, error) {
	return s.read().listContributions(investorID), nil
}

func (s *MemoryStore) ConfirmedCapital(_ context.Context, asOf time.Time) ([]model.InvestorCapital, error) {
	return s.read().confirmedCapital(asOf), nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	return s.read().position(id)
}

func (s *MemoryStore) ListPositions(_ context.Context, status model.PositionStatus) ([]model.Position, error) {
	return s.read().listPositions(status), nil
}

func (s *MemoryStore) ListAllocations(_ context.Context, positionID string) ([]model.Allocation, error) {
	return s.read().listAllocations(positionID), nil
}

func (s *MemoryStore) ListDistributionsByPosition(_ context.Context, positionID string) ([]model.ProfitDistribution, error) {
	return s.read().distributionsByPosition(positionID), nil
}

func (s *MemoryStore) ListDistributionsByInvestor(_ context.Context, investorID string) ([]model.ProfitDistribution, error) {
	return s.read().distributionsByInvestor(investorID), nil
}

func (s *MemoryStore) GetWithdrawal(_ context.Context, id string) (*model.WithdrawalRequest, error) {
	return s.read().withdrawal(id)
}

func (s *MemoryStore) ListWithdrawals(_ context.Context, investorID string) ([]model.WithdrawalRequest, error) {
	return s.read().listWithdrawals(investorID), nil
}

func (s *MemoryStore) BalanceTotals(_ context.Context, investorID string) (model.BalanceTotals, error) {
	return s.read().balanceTotals(investorID), nil
}

func (s *MemoryStore) PoolSummary(_ context.Context) (model.PoolSummary, error) {
	return s.read().poolSummary(), nil
}

// memTx is a transaction over a private copy of the state. Row locks are
// no-ops because the store mutex already serializes transactions.
type memTx struct {
	st *memState
}

func (t *memTx) GetContributionByRef(_ context.Context, ref string) (*model.Contribution, error) {
	return t.st.contributionByRef(ref)
}

func (t *memTx) ListContributions(_ context.Context, investorID string) ([]model.Contribution, error) {
	return t.st.listContributions(investorID), nil
}

func (t *memTx) ConfirmedCapital(_ context.Context, asOf time.Time) ([]model.InvestorCapital, error) {
	return t.st.confirmedCapital(asOf), nil
}

func (t *memTx) GetPosition(_ context.Context, id string) (*model.Position, error) {
	return t.st.position(id)
}

func (t *memTx) ListPositions(_ context.Context, status model.PositionStatus) ([]model.Position, error) {
	return t.st.listPositions(status), nil
}

func (t *memTx) ListAllocations(_ context.Context, positionID string) ([]model.Allocation, error) {
	return t.st.listAllocations(positionID), nil
}

func (t *memTx) ListDistributionsByPosition(_ context.Context, positionID string) ([]model.ProfitDistribution, error) {
	return t.st.distributionsByPosition(positionID), nil
}

func (t *memTx) ListDistributionsByInvestor(_ context.Context, investorID string) ([]model.ProfitDistribution, error) {
	return t.st.distributionsByInvestor(investorID), nil
}

func (t *memTx) GetWithdrawal(_ context.Context, id string) (*model.WithdrawalRequest, error) {
	return t.st.withdrawal(id)
}

func (t *memTx) ListWithdrawals(_ context.Context, investorID string) ([]model.WithdrawalRequest, error) {
	return t.st.listWithdrawals(investorID), nil
}

func (t *memTx) BalanceTotals(_ context.Context, investorID string) (model.BalanceTotals, error) {
	return t.st.balanceTotals(investorID), nil
}

func (t *memTx) PoolSummary(_ context.Context) (model.PoolSummary, error) {
	return t.st.poolSummary(), nil
}

func (t *memTx) InsertContribution(_ context.Context, c *model.Contribution) error {
	if _, ok := t.st.refs[c.PaymentRef]; ok {
		return ErrDuplicate
	}
	cp := cloneContribution(c)
	t.st.contributions[c.ID] = cp
	t.st.refs[c.PaymentRef] = c.ID
	return nil
}

func (t *memTx) LockContribution(_ context.Context, ref string) (*model.Contribution, error) {
	return t.st.contributionByRef(ref)
}

func (t *memTx) UpdateContributionStatus(_ context.Context, id string, status model.ContributionStatus, confirmedAt *time.Time) error {
	c, ok := t.st.contributions[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	c.ConfirmedAt = cloneTime(confirmedAt)
	return nil
}

func (t *memTx) InsertPosition(_ context.Context, p *model.Position) error {
	if _, ok := t.st.positions[p.ID]; ok {
		return ErrDuplicate
	}
	t.st.positions[p.ID] = clonePosition(p)
	return nil
}

func (t *memTx) LockPosition(_ context.Context, id string) (*model.Position, error) {
	return t.st.position(id)
}

func (t *memTx) UpdatePositionResult(_ context.Context, p *model.Position) error {
	existing, ok := t.st.positions[p.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Status = p.Status
	existing.Score = p.Score
	existing.GrossResult = cloneInt(p.GrossResult)
	existing.PlatformFee = cloneInt(p.PlatformFee)
	existing.NetResult = cloneInt(p.NetResult)
	existing.SettledAt = cloneTime(p.SettledAt)
	return nil
}

func (t *memTx) InsertAllocations(_ context.Context, allocs []model.Allocation) error {
	for _, a := range allocs {
		if _, ok := t.st.positions[a.PositionID]; !ok {
			return ErrNotFound
		}
		for _, existing := range t.st.allocations[a.PositionID] {
			if existing.InvestorID == a.InvestorID {
				return ErrDuplicate
			}
		}
		t.st.allocations[a.PositionID] = append(t.st.allocations[a.PositionID], a)
	}
	return nil
}

func (t *memTx) DeleteDistributions(_ context.Context, positionID string) (int64, error) {
	n := int64(len(t.st.distributions[positionID]))
	delete(t.st.distributions, positionID)
	return n, nil
}

func (t *memTx) InsertDistributions(_ context.Context, dists []model.ProfitDistribution) error {
	for _, d := range dists {
		for _, existing := range t.st.distributions[d.PositionID] {
			if existing.InvestorID == d.InvestorID {
				return ErrDuplicate
			}
		}
		t.st.distributions[d.PositionID] = append(t.st.distributions[d.PositionID], d)
	}
	return nil
}

func (t *memTx) LockInvestor(_ context.Context, _ string) error {
	return nil
}

func (t *memTx) InsertWithdrawal(_ context.Context, w *model.WithdrawalRequest) error {
	if _, ok := t.st.withdrawals[w.ID]; ok {
		return ErrDuplicate
	}
	cp := *w
	cp.ResolvedAt = cloneTime(w.ResolvedAt)
	t.st.withdrawals[w.ID] = &cp
	return nil
}

func (t *memTx) LockWithdrawal(_ context.Context, id string) (*model.WithdrawalRequest, error) {
	return t.st.withdrawal(id)
}

func (t *memTx) UpdateWithdrawalStatus(_ context.Context, id string, status model.WithdrawalStatus, resolvedAt time.Time) error {
	w, ok := t.st.withdrawals[id]
	if !ok {
		return ErrNotFound
	}
	w.Status = status
	w.ResolvedAt = &resolvedAt
	return nil
}

// --- State queries (caller holds the appropriate lock) ---

func (st *memState) contributionByRef(ref string) (*model.Contribution, error) {
	id, ok := st.refs[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneContribution(st.contributions[id]), nil
}

func (st *memState) listContributions(investorID string) []model.Contribution {
	var out []model.Contribution
	for _, c := range st.contributions {
		if c.InvestorID == investorID {
			out = append(out, *cloneContribution(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (st *memState) confirmedCapital(asOf time.Time) []model.InvestorCapital {
	totals := make(map[string]int64)
	for _, c := range st.contributions {
		if c.Status != model.ContributionSucceeded || c.ConfirmedAt == nil {
			continue
		}
		if c.ConfirmedAt.After(asOf) {
			continue
		}
		totals[c.InvestorID] += c.Amount
	}

	out := make([]model.InvestorCapital, 0, len(totals))
	for id, amt := range totals {
		if amt > 0 {
			out = append(out, model.InvestorCapital{InvestorID: id, Amount: amt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InvestorID < out[j].InvestorID })
	return out
}

func (st *memState) position(id string) (*model.Position, error) {
	p, ok := st.positions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePosition(p), nil
}

func (st *memState) listPositions(status model.PositionStatus) []model.Position {
	out := make([]model.Position, 0, len(st.positions))
	for _, p := range st.positions {
		if status != "" && p.Status != status {
			continue
		}
		out = append(out, *clonePosition(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (st *memState) listAllocations(positionID string) []model.Allocation {
	src := st.allocations[positionID]
	out := make([]model.Allocation, len(src))
	copy(out, src)
	sort.Slice(out, func(i, j int) bool { return out[i].InvestorID < out[j].InvestorID })
	return out
}

func (st *memState) distributionsByPosition(positionID string) []model.ProfitDistribution {
	src := st.distributions[positionID]
	out := make([]model.ProfitDistribution, len(src))
	copy(out, src)
	sort.Slice(out, func(i, j int) bool { return out[i].InvestorID < out[j].InvestorID })
	return out
}

func (st *memState) distributionsByInvestor(investorID string) []model.ProfitDistribution {
	var out []model.ProfitDistribution
	for _, dists := range st.distributions {
		for _, d := range dists {
			if d.InvestorID == investorID {
				out = append(out, d)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].PositionID < out[j].PositionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (st *memState) withdrawal(id string) (*model.WithdrawalRequest, error) {
	w, ok := st.withdrawals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	cp.ResolvedAt = cloneTime(w.ResolvedAt)
	return &cp, nil
}

func (st *memState) listWithdrawals(investorID string) []model.WithdrawalRequest {
	var out []model.WithdrawalRequest
	for _, w := range st.withdrawals {
		if w.InvestorID == investorID {
			cp := *w
			cp.ResolvedAt = cloneTime(w.ResolvedAt)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (st *memState) balanceTotals(investorID string) model.BalanceTotals {
	var t model.BalanceTotals
	for _, c := range st.contributions {
		if c.InvestorID == investorID && c.Status == model.ContributionSucceeded {
			t.Contributed += c.Amount
		}
	}
	for _, dists := range st.distributions {
		for _, d := range dists {
			if d.InvestorID == investorID {
				t.Profit += d.Amount
			}
		}
	}
	for _, w := range st.withdrawals {
		if w.InvestorID != investorID {
			continue
		}
		switch w.Status {
		case model.WithdrawalPending:
			t.Locked += w.Reserved()
		case model.WithdrawalApproved:
			t.Withdrawn += w.Reserved()
		}
	}
	return t
}

func (st *memState) poolSummary() model.PoolSummary {
	var sum model.PoolSummary
	investors := make(map[string]int64)
	for _, c := range st.contributions {
		if c.Status == model.ContributionSucceeded {
			sum.TotalCapital += c.Amount
			investors[c.InvestorID] += c.Amount
		}
	}
	for _, amt := range investors {
		if amt > 0 {
			sum.Investors++
		}
	}
	for _, p := range st.positions {
		if p.Status == model.PositionPending {
			sum.OpenPositions++
			sum.OpenStake += p.Stake
			continue
		}
		sum.SettledPositions++
		if p.NetResult != nil {
			sum.NetResult += *p.NetResult
		}
		if p.PlatformFee != nil {
			sum.PlatformFees += *p.PlatformFee
		}
	}
	return sum
}

// --- Copy helpers ---

func (st *memState) clone() *memState {
	out := newMemState()
	for id, c := range st.contributions {
		out.contributions[id] = cloneContribution(c)
	}
	for ref, id := range st.refs {
		out.refs[ref] = id
	}
	for id, p := range st.positions {
		out.positions[id] = clonePosition(p)
	}
	for id, allocs := range st.allocations {
		out.allocations[id] = append([]model.Allocation(nil), allocs...)
	}
	for id, dists := range st.distributions {
		out.distributions[id] = append([]model.ProfitDistribution(nil), dists...)
	}
	for id, w := range st.withdrawals {
		cp := *w
		cp.ResolvedAt = cloneTime(w.ResolvedAt)
		out.withdrawals[id] = &cp
	}
	return out
}

func cloneContribution(c *model.Contribution) *model.Contribution {
	cp := *c
	cp.ConfirmedAt = cloneTime(c.ConfirmedAt)
	return &cp
}

func clonePosition(p *model.Position) *model.Position {
	cp := *p
	cp.GrossResult = cloneInt(p.GrossResult)
	cp.PlatformFee = cloneInt(p.PlatformFee)
	cp.NetResult = cloneInt(p.NetResult)
	cp.SettledAt = cloneTime(p.SettledAt)
	return &cp
}

func cloneInt(v *int64) *int64 {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}
