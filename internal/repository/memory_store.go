package repository

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dujiao-next/memberpay/internal/constants"
	"github.com/dujiao-next/memberpay/internal/models"

	"gorm.io/gorm"
)

type memoryState struct {
	seq          uint
	orders       map[string]models.PaymentOrder
	plans        map[string]models.MembershipPlan
	transactions map[string]models.Transaction
	memberships  map[string]models.UserMembership
	outbox       []models.OutboxEvent
}

func newMemoryState() *memoryState {
	return &memoryState{
		orders:       map[string]models.PaymentOrder{},
		plans:        map[string]models.MembershipPlan{},
		transactions: map[string]models.Transaction{},
		memberships:  map[string]models.UserMembership{},
	}
}

func (s *memoryState) clone() *memoryState {
	out := newMemoryState()
	out.seq = s.seq
	for k, v := range s.orders {
		out.orders[k] = v
	}
	for k, v := range s.plans {
		out.plans[k] = v
	}
	for k, v := range s.transactions {
		out.transactions[k] = v
	}
	for k, v := range s.memberships {
		out.memberships[k] = v
	}
	out.outbox = append([]models.OutboxEvent(nil), s.outbox...)
	return out
}

func (s *memoryState) nextID() uint {
	s.seq++
	return s.seq
}

// MemoryStore 内存 Store，供单元测试替换数据库
// 事务通过整表快照实现，提交前失败则丢弃快照
type MemoryStore struct {
	mu    *sync.Mutex
	state *memoryState
	inTx  bool
}

// NewMemoryStore 创建内存 Store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{mu: &sync.Mutex{}, state: newMemoryState()}
}

func (m *MemoryStore) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

// Orders 支付单仓库
func (m *MemoryStore) Orders() PaymentOrderRepository { return memoryOrders{m} }

// Plans 套餐仓库
func (m *MemoryStore) Plans() MembershipPlanRepository { return memoryPlans{m} }

// Transactions 交易流水仓库
func (m *MemoryStore) Transactions() TransactionRepository { return memoryTransactions{m} }

// Memberships 会员仓库
func (m *MemoryStore) Memberships() MembershipRepository { return memoryMemberships{m} }

// Outbox 发件箱仓库
func (m *MemoryStore) Outbox() OutboxRepository { return memoryOutbox{m} }

// Transaction 串行执行事务
func (m *MemoryStore) Transaction(fn func(tx Store) error) error {
	if m.inTx {
		return fn(m)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	draft := m.state.clone()
	if err := fn(&MemoryStore{mu: m.mu, state: draft, inTx: true}); err != nil {
		return err
	}
	*m.state = *draft
	return nil
}

type memoryOrders struct{ m *MemoryStore }

func (r memoryOrders) Create(order *models.PaymentOrder) error {
	defer r.m.lock()()
	if _, exists := r.m.state.orders[order.OrderID]; exists {
		return gorm.ErrDuplicatedKey
	}
	now := time.Now()
	order.ID = r.m.state.nextID()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = now
	}
	r.m.state.orders[order.OrderID] = *order
	return nil
}

func (r memoryOrders) GetByOrderID(orderID string) (*models.PaymentOrder, error) {
	defer r.m.lock()()
	order, ok := r.m.state.orders[strings.TrimSpace(orderID)]
	if !ok {
		return nil, nil
	}
	return &order, nil
}

func (r memoryOrders) GetByProviderReference(provider, reference string) (*models.PaymentOrder, error) {
	defer r.m.lock()()
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, nil
	}
	var found *models.PaymentOrder
	for _, order := range r.m.state.orders {
		if order.ProviderName != provider || order.ProviderReference != reference {
			continue
		}
		if found == nil || order.ID > found.ID {
			item := order
			found = &item
		}
	}
	return found, nil
}

func (r memoryOrders) TransitionStatus(orderID string, from []string, to string, updates map[string]interface{}) (bool, error) {
	defer r.m.lock()()
	order, ok := r.m.state.orders[strings.TrimSpace(orderID)]
	if !ok {
		return false, nil
	}
	allowed := false
	for _, status := range from {
		if order.Status == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, nil
	}
	applyOrderUpdates(&order, updates)
	order.Status = to
	r.m.state.orders[order.OrderID] = order
	return true, nil
}

func (r memoryOrders) UpdateFields(orderID string, updates map[string]interface{}) error {
	defer r.m.lock()()
	order, ok := r.m.state.orders[strings.TrimSpace(orderID)]
	if !ok {
		return nil
	}
	applyOrderUpdates(&order, updates)
	r.m.state.orders[order.OrderID] = order
	return nil
}

func (r memoryOrders) ListStaleAwaiting(before time.Time, limit int) ([]models.PaymentOrder, error) {
	defer r.m.lock()()
	if limit <= 0 {
		limit = 100
	}
	result := make([]models.PaymentOrder, 0)
	for _, order := range r.m.state.orders {
		if order.Status == constants.OrderStatusAwaitingPayment && order.CreatedAt.Before(before) {
			result = append(result, order)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func applyOrderUpdates(order *models.PaymentOrder, updates map[string]interface{}) {
	order.UpdatedAt = time.Now()
	for key, value := range updates {
		switch key {
		case "provider_reference":
			order.ProviderReference, _ = value.(string)
		case "provider_trade_no":
			order.ProviderTradeNo, _ = value.(string)
		case "interaction_mode":
			order.InteractionMode, _ = value.(string)
		case "redirect_url":
			order.RedirectURL, _ = value.(string)
		case "qr_code":
			order.QRCode, _ = value.(string)
		case "client_secret":
			order.ClientSecret, _ = value.(string)
		case "provider_payload":
			if payload, ok := value.(models.JSON); ok {
				order.ProviderPayload = payload
			}
		case "paid_at":
			if at, ok := value.(time.Time); ok {
				order.PaidAt = &at
			}
		case "last_reconciled_at":
			if at, ok := value.(time.Time); ok {
				order.LastReconciledAt = &at
			}
		case "updated_at":
			if at, ok := value.(time.Time); ok {
				order.UpdatedAt = at
			}
		}
	}
}

type memoryPlans struct{ m *MemoryStore }

func (r memoryPlans) GetByPlanID(planID string) (*models.MembershipPlan, error) {
	defer r.m.lock()()
	plan, ok := r.m.state.plans[strings.TrimSpace(planID)]
	if !ok {
		return nil, nil
	}
	plan.Features = plan.Features.Clone()
	return &plan, nil
}

func (r memoryPlans) List(onlyActive bool) ([]models.MembershipPlan, error) {
	defer r.m.lock()()
	result := make([]models.MembershipPlan, 0, len(r.m.state.plans))
	for _, plan := range r.m.state.plans {
		if onlyActive && !plan.IsActive {
			continue
		}
		plan.Features = plan.Features.Clone()
		result = append(result, plan)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].SortOrder == result[j].SortOrder {
			return result[i].ID < result[j].ID
		}
		return result[i].SortOrder < result[j].SortOrder
	})
	return result, nil
}

func (r memoryPlans) CreateIfAbsent(plan *models.MembershipPlan) error {
	defer r.m.lock()()
	if _, exists := r.m.state.plans[plan.PlanID]; exists {
		return nil
	}
	plan.ID = r.m.state.nextID()
	stored := *plan
	stored.Features = plan.Features.Clone()
	r.m.state.plans[plan.PlanID] = stored
	return nil
}

type memoryTransactions struct{ m *MemoryStore }

func (r memoryTransactions) Create(txn *models.Transaction) error {
	defer r.m.lock()()
	if _, exists := r.m.state.transactions[txn.OrderID]; exists {
		return gorm.ErrDuplicatedKey
	}
	txn.ID = r.m.state.nextID()
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now()
	}
	txn.UpdatedAt = txn.CreatedAt
	r.m.state.transactions[txn.OrderID] = *txn
	return nil
}

func (r memoryTransactions) GetByOrderID(orderID string) (*models.Transaction, error) {
	defer r.m.lock()()
	txn, ok := r.m.state.transactions[strings.TrimSpace(orderID)]
	if !ok {
		return nil, nil
	}
	return &txn, nil
}

func (r memoryTransactions) CountByOrderID(orderID string) (int64, error) {
	defer r.m.lock()()
	if _, ok := r.m.state.transactions[strings.TrimSpace(orderID)]; ok {
		return 1, nil
	}
	return 0, nil
}

func (r memoryTransactions) UpdateStatus(orderID, status string) error {
	defer r.m.lock()()
	txn, ok := r.m.state.transactions[strings.TrimSpace(orderID)]
	if !ok {
		return nil
	}
	txn.Status = status
	txn.UpdatedAt = time.Now()
	r.m.state.transactions[txn.OrderID] = txn
	return nil
}

type memoryMemberships struct{ m *MemoryStore }

func (r memoryMemberships) GetByUserID(userID string) (*models.UserMembership, error) {
	defer r.m.lock()()
	membership, ok := r.m.state.memberships[strings.TrimSpace(userID)]
	if !ok {
		return nil, nil
	}
	membership.Features = membership.Features.Clone()
	return &membership, nil
}

func (r memoryMemberships) GetByUserIDForUpdate(userID string) (*models.UserMembership, error) {
	return r.GetByUserID(userID)
}

func (r memoryMemberships) EnsureExists(seed *models.UserMembership) error {
	if seed == nil {
		return nil
	}
	defer r.m.lock()()
	if _, ok := r.m.state.memberships[seed.UserID]; ok {
		return nil
	}
	stored := *seed
	stored.Features = seed.Features.Clone()
	stored.ID = r.m.state.nextID()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	r.m.state.memberships[seed.UserID] = stored
	return nil
}

func (r memoryMemberships) Upsert(membership *models.UserMembership) error {
	defer r.m.lock()()
	stored := *membership
	stored.Features = membership.Features.Clone()
	if existing, ok := r.m.state.memberships[membership.UserID]; ok {
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.ID = r.m.state.nextID()
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = time.Now()
		}
	}
	membership.ID = stored.ID
	r.m.state.memberships[membership.UserID] = stored
	return nil
}

type memoryOutbox struct{ m *MemoryStore }

func (r memoryOutbox) Create(event *models.OutboxEvent) error {
	defer r.m.lock()()
	event.ID = r.m.state.nextID()
	if event.Status == "" {
		event.Status = constants.OutboxStatusPending
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	r.m.state.outbox = append(r.m.state.outbox, *event)
	return nil
}

func (r memoryOutbox) ListPending(limit int) ([]models.OutboxEvent, error) {
	defer r.m.lock()()
	if limit <= 0 {
		limit = 50
	}
	result := make([]models.OutboxEvent, 0)
	for _, event := range r.m.state.outbox {
		if event.Status != constants.OutboxStatusPending {
			continue
		}
		result = append(result, event)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (r memoryOutbox) MarkSent(id uint, sentAt time.Time) error {
	defer r.m.lock()()
	for i := range r.m.state.outbox {
		if r.m.state.outbox[i].ID == id {
			at := sentAt
			r.m.state.outbox[i].Status = constants.OutboxStatusSent
			r.m.state.outbox[i].SentAt = &at
			r.m.state.outbox[i].LastError = ""
		}
	}
	return nil
}

func (r memoryOutbox) MarkAttemptFailed(id uint, lastError string, maxAttempts int) error {
	defer r.m.lock()()
	for i := range r.m.state.outbox {
		if r.m.state.outbox[i].ID != id {
			continue
		}
		r.m.state.outbox[i].Attempts++
		r.m.state.outbox[i].LastError = lastError
		r.m.state.outbox[i].UpdatedAt = time.Now()
		if maxAttempts > 0 && r.m.state.outbox[i].Attempts >= maxAttempts {
			r.m.state.outbox[i].Status = constants.OutboxStatusFailed
		}
	}
	return nil
}
