package service

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"

	"github.com/clearhub-pay/clearhub-settlement/internal/blockchain"
	"github.com/clearhub-pay/clearhub-settlement/internal/bus"
	"github.com/clearhub-pay/clearhub-settlement/internal/model"
	"github.com/clearhub-pay/clearhub-settlement/internal/repository"
)

// 仓储模拟在返回注入错误之余维护内存状态，
// 使跨多次调用的生命周期流程可以端到端验证。
// Transaction 在回调出错时恢复快照，模拟数据库回滚；
// partners 列出同一事务内会被写入的其他仓储。

// txParticipant 模拟事务参与者: 提供状态快照与恢复
type txParticipant interface {
	snapshot() interface{}
	restore(state interface{})
}

// runMockTx 执行模拟事务，出错时恢复全部参与者的快照
func runMockTx(ctx context.Context, fn func(ctx context.Context) error, participants ...txParticipant) error {
	states := make([]interface{}, len(participants))
	for i, p := range participants {
		states[i] = p.snapshot()
	}
	err := fn(ctx)
	if err != nil {
		for i, p := range participants {
			p.restore(states[i])
		}
	}
	return err
}

// mockOrderRepository 模拟订单仓储
type mockOrderRepository struct {
	mock.Mock
	mu       sync.RWMutex
	orders   map[string]*model.PaymentOrder
	events   []*model.PaymentOrderEvent
	partners []txParticipant
}

func newMockOrderRepository() *mockOrderRepository {
	return &mockOrderRepository{orders: make(map[string]*model.PaymentOrder)}
}

func (m *mockOrderRepository) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return runMockTx(ctx, fn, append([]txParticipant{m}, m.partners...)...)
}

type orderRepoState struct {
	orders map[string]*model.PaymentOrder
	events []*model.PaymentOrderEvent
}

func (m *mockOrderRepository) snapshot() interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	orders := make(map[string]*model.PaymentOrder, len(m.orders))
	for id, order := range m.orders {
		copied := *order
		orders[id] = &copied
	}
	return &orderRepoState{orders: orders, events: append([]*model.PaymentOrderEvent(nil), m.events...)}
}

func (m *mockOrderRepository) restore(state interface{}) {
	s := state.(*orderRepoState)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = s.orders
	m.events = s.events
}

func (m *mockOrderRepository) Create(ctx context.Context, order *model.PaymentOrder) error {
	args := m.Called(ctx, order)
	if args.Error(0) != nil {
		return args.Error(0)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[order.OrderID]; ok {
		return repository.ErrDuplicateOrder
	}
	m.orders[order.OrderID] = order
	return nil
}

func (m *mockOrderRepository) GetByOrderID(ctx context.Context, orderID string, opts *repository.QueryOptions) (*model.PaymentOrder, error) {
	args := m.Called(ctx, orderID, opts)
	if args.Error(1) != nil {
		return nil, args.Error(1)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	order, ok := m.orders[orderID]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	copied := *order
	return &copied, nil
}

func (m *mockOrderRepository) UpdateStatusFrom(ctx context.Context, orderID string, from, to model.OrderStatus) (bool, error) {
	args := m.Called(ctx, orderID, from, to)
	if args.Error(1) != nil {
		return false, args.Error(1)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok || order.Status != from {
		return false, nil
	}
	order.Status = to
	return true, nil
}

func (m *mockOrderRepository) ListByStatus(ctx context.Context, status model.OrderStatus, page *repository.Pagination) ([]*model.PaymentOrder, error) {
	args := m.Called(ctx, status, page)
	if args.Error(1) != nil {
		return nil, args.Error(1)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var orders []*model.PaymentOrder
	for _, order := range m.orders {
		if order.Status == status {
			orders = append(orders, order)
		}
	}
	return orders, nil
}

func (m *mockOrderRepository) ListExpirable(ctx context.Context, nowMilli int64, limit int) ([]*model.PaymentOrder, error) {
	args := m.Called(ctx, nowMilli, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.PaymentOrder), args.Error(1)
}

func (m *mockOrderRepository) AppendEvent(ctx context.Context, event *model.PaymentOrderEvent) error {
	args := m.Called(ctx, event)
	if args.Error(0) != nil {
		return args.Error(0)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockOrderRepository) ListEvents(ctx context.Context, orderID string) ([]*model.PaymentOrderEvent, error) {
	args := m.Called(ctx, orderID)
	if args.Error(1) != nil {
		return nil, args.Error(1)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var events []*model.PaymentOrderEvent
	for _, event := range m.events {
		if event.OrderID == orderID {
			events = append(events, event)
		}
	}
	return events, nil
}

// 测试内部: 读取订单当前状态
func (m *mockOrderRepository) orderStatus(orderID string) model.OrderStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.orders[orderID].Status
}

// mockPaymentRepository 模拟支付仓储
type mockPaymentRepository struct {
	mock.Mock
	mu       sync.RWMutex
	payments map[string]*model.Payment
}

func newMockPaymentRepository() *mockPaymentRepository {
	return &mockPaymentRepository{payments: make(map[string]*model.Payment)}
}

func (m *mockPaymentRepository) snapshot() interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	payments := make(map[string]*model.Payment, len(m.payments))
	for id, payment := range m.payments {
		copied := *payment
		payments[id] = &copied
	}
	return payments
}

func (m *mockPaymentRepository) restore(state interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments = state.(map[string]*model.Payment)
}

func (m *mockPaymentRepository) Create(ctx context.Context, payment *model.Payment) error {
	args := m.Called(ctx, payment)
	if args.Error(0) != nil {
		return args.Error(0)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.payments {
		if existing.SourceRef == payment.SourceRef {
			return repository.ErrDuplicatePayment
		}
	}
	m.payments[payment.PaymentID] = payment
	return nil
}

func (m *mockPaymentRepository) GetByPaymentID(ctx context.Context, paymentID string) (*model.Payment, error) {
	args := m.Called(ctx, paymentID)
	if args.Error(1) != nil {
		return nil, args.Error(1)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	payment, ok := m.payments[paymentID]
	if !ok {
		return nil, repository.ErrPaymentNotFound
	}
	copied := *payment
	return &copied, nil
}

func (m *mockPaymentRepository) GetBySourceRef(ctx context.Context, sourceRef string) (*model.Payment, error) {
	args := m.Called(ctx, sourceRef)
	if args.Error(1) != nil {
		return nil, args.Error(1)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, payment := range m.payments {
		if payment.SourceRef == sourceRef {
			copied := *payment
			return &copied, nil
		}
	}
	return nil, repository.ErrPaymentNotFound
}

func (m *mockPaymentRepository) ListByOrderID(ctx context.Context, orderID string) ([]*model.Payment, error) {
	args := m.Called(ctx, orderID)
	if args.Error(1) != nil {
		return nil, args.Error(1)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var payments []*model.Payment
	for _, payment := range m.payments {
		if payment.OrderID == orderID {
			copied := *payment
			payments = append(payments, &copied)
		}
	}
	return payments, nil
}

func (m *mockPaymentRepository) Confirm(ctx context.Context, paymentID string, confirmedHeight int64) (bool, error) {
	args := m.Called(ctx, paymentID, confirmedHeight)
	if args.Error(1) != nil {
		return false, args.Error(1)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	payment, ok := m.payments[paymentID]
	if !ok || payment.Status != model.PaymentStatusReceived {
		return false, nil
	}
	payment.Status = model.PaymentStatusConfirmed
	payment.ConfirmedHeight = confirmedHeight
	return true, nil
}

func (m *mockPaymentRepository) Revert(ctx context.Context, paymentID string) (bool, error) {
	args := m.Called(ctx, paymentID)
	if args.Error(1) != nil {
		return false, args.Error(1)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	payment, ok := m.payments[paymentID]
	if !ok || payment.Status != model.PaymentStatusConfirmed {
		return false, nil
	}
	payment.Status = model.PaymentStatusReceived
	payment.ConfirmedHeight = 0
	return true, nil
}

func (m *mockPaymentRepository) ListConfirmableAtHeight(ctx context.Context, chainID int64, confirmableHeight int64) ([]*model.Payment, error) {
	args := m.Called(ctx, chainID, confirmableHeight)
	if args.Error(1) != nil {
		return nil, args.Error(1)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var payments []*model.Payment
	for _, payment := range m.payments {
		if payment.ChainID == chainID &&
			payment.Status == model.PaymentStatusReceived &&
			payment.Kind == model.PaymentKindBlockchain &&
			payment.BlockHeight <= confirmableHeight {
			copied := *payment
			payments = append(payments, &copied)
		}
	}
	return payments, nil
}

func (m *mockPaymentRepository) ListConfirmedFromHeight(ctx context.Context, chainID int64, fromHeight int64) ([]*model.Payment, error) {
	args := m.Called(ctx, chainID, fromHeight)
	if args.Error(1) != nil {
		return nil, args.Error(1)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var payments []*model.Payment
	for _, payment := range m.payments {
		if payment.ChainID == chainID &&
			payment.Status == model.PaymentStatusConfirmed &&
			payment.ConfirmedHeight >= fromHeight {
			copied := *payment
			payments = append(payments, &copied)
		}
	}
	return payments, nil
}

// mockRouteRepository 模拟路由仓储
type mockRouteRepository struct {
	mock.Mock
	mu          sync.RWMutex
	routes      map[string]*model.PaymentRoute // order_id -> route
	freeWallets []*model.Wallet
	networks    map[string]*model.ChannelNetwork // token -> network
	partners    []txParticipant
}

func newMockRouteRepository() *mockRouteRepository {
	return &mockRouteRepository{
		routes:   make(map[string]*model.PaymentRoute),
		networks: make(map[string]*model.ChannelNetwork),
	}
}

func (m *mockRouteRepository) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return runMockTx(ctx, fn, append([]txParticipant{m}, m.partners...)...)
}

type routeRepoState struct {
	routes      map[string]*model.PaymentRoute
	freeWallets []*model.Wallet
	networks    map[string]*model.ChannelNetwork
}

func (m *mockRouteRepository) snapshot() interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state := routeRepoState{
		routes:      make(map[string]*model.PaymentRoute, len(m.routes)),
		freeWallets: append([]*model.Wallet(nil), m.freeWallets...),
		networks:    make(map[string]*model.ChannelNetwork, len(m.networks)),
	}
	for id, route := range m.routes {
		copied := *route
		state.routes[id] = &copied
	}
	for token, network := range m.networks {
		copied := *network
		state.networks[token] = &copied
	}
	return state
}

func (m *mockRouteRepository) restore(state interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := state.(routeRepoState)
	m.routes = s.routes
	m.freeWallets = s.freeWallets
	m.networks = s.networks
}

func (m *mockRouteRepository) Create(ctx context.Context, route *model.PaymentRoute) error {
	args := m.Called(ctx, route)
	if args.Error(0) != nil {
		return args.Error(0)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.routes {
		if existing.DepositTarget == route.DepositTarget {
			return repository.ErrDepositTargetInUse
		}
	}
	m.routes[route.OrderID] = route
	return nil
}

func (m *mockRouteRepository) GetByOrderID(ctx context.Context, orderID string) (*model.PaymentRoute, error) {
	args := m.Called(ctx, orderID)
	if args.Error(1) != nil {
		return nil, args.Error(1)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	route, ok := m.routes[orderID]
	if !ok {
		return nil, repository.ErrRouteNotFound
	}
	copied := *route
	return &copied, nil
}

func (m *mockRouteRepository) GetByDepositTarget(ctx context.Context, target string) (*model.PaymentRoute, error) {
	args := m.Called(ctx, target)
	if args.Error(1) != nil {
		return nil, args.Error(1)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, route := range m.routes {
		if route.DepositTarget == target {
			copied := *route
			return &copied, nil
		}
	}
	return nil, repository.ErrRouteNotFound
}

func (m *mockRouteRepository) Delete(ctx context.Context, orderID string) error {
	args := m.Called(ctx, orderID)
	if args.Error(0) != nil {
		return args.Error(0)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.routes, orderID)
	return nil
}

func (m *mockRouteRepository) ListExpired(ctx context.Context, nowMilli int64, limit int) ([]*model.PaymentRoute, error) {
	args := m.Called(ctx, nowMilli, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.PaymentRoute), args.Error(1)
}

func (m *mockRouteRepository) ClaimFreeWallet(ctx context.Context, chainID int64) (*model.Wallet, error) {
	args := m.Called(ctx, chainID)
	if args.Error(1) != nil {
		return nil, args.Error(1)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, wallet := range m.freeWallets {
		inUse := false
		for _, route := range m.routes {
			if route.RouteType == model.RouteTypeBlockchain && route.DepositTarget == wallet.Address {
				inUse = true
				break
			}
		}
		if !inUse {
			return wallet, nil
		}
	}
	return nil, repository.ErrNoFreeWallet
}

func (m *mockRouteRepository) CreateWallet(ctx context.Context, wallet *model.Wallet) error {
	args := m.Called(ctx, wallet)
	if args.Error(0) != nil {
		return args.Error(0)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freeWallets = append(m.freeWallets, wallet)
	return nil
}

func (m *mockRouteRepository) FindChannelNetwork(ctx context.Context, token string) (*model.ChannelNetwork, error) {
	args := m.Called(ctx, token)
	if args.Error(1) != nil {
		return nil, args.Error(1)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	network, ok := m.networks[token]
	if !ok {
		return nil, repository.ErrChannelNetworkUnset
	}
	return network, nil
}

func (m *mockRouteRepository) CreateChannelNetwork(ctx context.Context, network *model.ChannelNetwork) error {
	args := m.Called(ctx, network)
	if args.Error(0) != nil {
		return args.Error(0)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.networks[network.Token] = network
	return nil
}

// mockLedgerRepository 模拟账本仓储
type mockLedgerRepository struct {
	mock.Mock
	mu            sync.RWMutex
	accounts      map[string]*model.UserAccount // user_id -> account
	entries       []*model.BalanceEntry
	compensations map[model.ReorgCompensation]bool
}

func newMockLedgerRepository() *mockLedgerRepository {
	return &mockLedgerRepository{
		accounts:      make(map[string]*model.UserAccount),
		compensations: make(map[model.ReorgCompensation]bool),
	}
}

type ledgerRepoState struct {
	accounts      map[string]*model.UserAccount
	entries       []*model.BalanceEntry
	compensations map[model.ReorgCompensation]bool
}

func (m *mockLedgerRepository) snapshot() interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state := ledgerRepoState{
		accounts:      make(map[string]*model.UserAccount, len(m.accounts)),
		entries:       append([]*model.BalanceEntry(nil), m.entries...),
		compensations: make(map[model.ReorgCompensation]bool, len(m.compensations)),
	}
	for id, account := range m.accounts {
		copied := *account
		state.accounts[id] = &copied
	}
	for comp := range m.compensations {
		state.compensations[comp] = true
	}
	return state
}

func (m *mockLedgerRepository) restore(state interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := state.(ledgerRepoState)
	m.accounts = s.accounts
	m.entries = s.entries
	m.compensations = s.compensations
}

func (m *mockLedgerRepository) CreateAccount(ctx context.Context, account *model.UserAccount) error {
	args := m.Called(ctx, account)
	if args.Error(0) != nil {
		return args.Error(0)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[account.UserID]; ok {
		return repository.ErrDuplicateAccount
	}
	m.accounts[account.UserID] = account
	return nil
}

func (m *mockLedgerRepository) GetAccountByAccountID(ctx context.Context, accountID string) (*model.UserAccount, error) {
	args := m.Called(ctx, accountID)
	if args.Error(1) != nil {
		return nil, args.Error(1)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, account := range m.accounts {
		if account.AccountID == accountID {
			return account, nil
		}
	}
	return nil, repository.ErrAccountNotFound
}

func (m *mockLedgerRepository) GetAccountByUserID(ctx context.Context, userID string) (*model.UserAccount, error) {
	args := m.Called(ctx, userID)
	if args.Error(1) != nil {
		return nil, args.Error(1)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	account, ok := m.accounts[userID]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	return account, nil
}

func (m *mockLedgerRepository) AppendEntry(ctx context.Context, entry *model.BalanceEntry) error {
	args := m.Called(ctx, entry)
	if args.Error(0) != nil {
		return args.Error(0)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *mockLedgerRepository) SumBalance(ctx context.Context, accountID, token string) (decimal.Decimal, error) {
	args := m.Called(ctx, accountID, token)
	if args.Error(1) != nil {
		return decimal.Zero, args.Error(1)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := decimal.Zero
	for _, entry := range m.entries {
		if entry.AccountID == accountID && entry.Token == token {
			total = total.Add(entry.Amount)
		}
	}
	return total, nil
}

func (m *mockLedgerRepository) ListEntries(ctx context.Context, accountID, token string, page *repository.Pagination) ([]*model.BalanceEntry, error) {
	args := m.Called(ctx, accountID, token, page)
	if args.Error(1) != nil {
		return nil, args.Error(1)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var entries []*model.BalanceEntry
	for _, entry := range m.entries {
		if entry.AccountID == accountID && entry.Token == token {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (m *mockLedgerRepository) ListEntriesByRef(ctx context.Context, refType model.EntryRefType, refID string) ([]*model.BalanceEntry, error) {
	args := m.Called(ctx, refType, refID)
	if args.Error(1) != nil {
		return nil, args.Error(1)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var entries []*model.BalanceEntry
	for _, entry := range m.entries {
		if entry.RefType == refType && entry.RefID == refID {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (m *mockLedgerRepository) CreateCompensation(ctx context.Context, comp *model.ReorgCompensation) error {
	args := m.Called(ctx, comp)
	if args.Error(0) != nil {
		return args.Error(0)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := model.ReorgCompensation{
		ChainID:    comp.ChainID,
		RefType:    comp.RefType,
		RefID:      comp.RefID,
		FromHeight: comp.FromHeight,
	}
	if m.compensations[key] {
		return repository.ErrAlreadyCompensated
	}
	m.compensations[key] = true
	return nil
}

// 测试内部: 某账户某代币的账目数
func (m *mockLedgerRepository) entryCount(accountID, token string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, entry := range m.entries {
		if entry.AccountID == accountID && entry.Token == token {
			count++
		}
	}
	return count
}

// mockTransferRepository 模拟转账仓储
type mockTransferRepository struct {
	mock.Mock
	mu        sync.RWMutex
	transfers map[string]*model.Transfer
	events    []*model.TransferEvent
	reserves  map[string]*model.Reserve // transfer_id -> reserve
	partners  []txParticipant
}

func newMockTransferRepository() *mockTransferRepository {
	return &mockTransferRepository{
		transfers: make(map[string]*model.Transfer),
		reserves:  make(map[string]*model.Reserve),
	}
}

func (m *mockTransferRepository) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return runMockTx(ctx, fn, append([]txParticipant{m}, m.partners...)...)
}

type transferRepoState struct {
	transfers map[string]*model.Transfer
	events    []*model.TransferEvent
	reserves  map[string]*model.Reserve
}

func (m *mockTransferRepository) snapshot() interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state := transferRepoState{
		transfers: make(map[string]*model.Transfer, len(m.transfers)),
		events:    append([]*model.TransferEvent(nil), m.events...),
		reserves:  make(map[string]*model.Reserve, len(m.reserves)),
	}
	for id, transfer := range m.transfers {
		copied := *transfer
		state.transfers[id] = &copied
	}
	for id, reserve := range m.reserves {
		copied := *reserve
		state.reserves[id] = &copied
	}
	return state
}

func (m *mockTransferRepository) restore(state interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := state.(transferRepoState)
	m.transfers = s.transfers
	m.events = s.events
	m.reserves = s.reserves
}

func (m *mockTransferRepository) Create(ctx context.Context, transfer *model.Transfer) error {
	args := m.Called(ctx, transfer)
	if args.Error(0) != nil {
		return args.Error(0)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transfers[transfer.TransferID] = transfer
	return nil
}

func (m *mockTransferRepository) GetByTransferID(ctx context.Context, transferID string, opts *repository.QueryOptions) (*model.Transfer, error) {
	args := m.Called(ctx, transferID, opts)
	if args.Error(1) != nil {
		return nil, args.Error(1)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	transfer, ok := m.transfers[transferID]
	if !ok {
		return nil, repository.ErrTransferNotFound
	}
	copied := *transfer
	return &copied, nil
}

func (m *mockTransferRepository) Update(ctx context.Context, transfer *model.Transfer) error {
	args := m.Called(ctx, transfer)
	if args.Error(0) != nil {
		return args.Error(0)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transfers[transfer.TransferID] = transfer
	return nil
}

func (m *mockTransferRepository) UpdateStatusFrom(ctx context.Context, transferID string, from, to model.TransferStatus) (bool, error) {
	args := m.Called(ctx, transferID, from, to)
	if args.Error(1) != nil {
		return false, args.Error(1)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	transfer, ok := m.transfers[transferID]
	if !ok || transfer.Status != from {
		return false, nil
	}
	transfer.Status = to
	return true, nil
}

func (m *mockTransferRepository) MarkExecuted(ctx context.Context, transferID string, chainID int64, txHash string) (bool, error) {
	args := m.Called(ctx, transferID, chainID, txHash)
	if args.Error(1) != nil {
		return false, args.Error(1)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	transfer, ok := m.transfers[transferID]
	if !ok || transfer.Status != model.TransferStatusScheduled {
		return false, nil
	}
	transfer.Status = model.TransferStatusExecuted
	transfer.ChainID = chainID
	transfer.TxHash = txHash
	return true, nil
}

func (m *mockTransferRepository) SetTxBlockHeight(ctx context.Context, transferID string, height int64) error {
	args := m.Called(ctx, transferID, height)
	if args.Error(0) != nil {
		return args.Error(0)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if transfer, ok := m.transfers[transferID]; ok {
		transfer.TxBlockHeight = height
	}
	return nil
}

func (m *mockTransferRepository) Confirm(ctx context.Context, transferID string, confirmedHeight int64) (bool, error) {
	args := m.Called(ctx, transferID, confirmedHeight)
	if args.Error(1) != nil {
		return false, args.Error(1)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	transfer, ok := m.transfers[transferID]
	if !ok || transfer.Status != model.TransferStatusExecuted {
		return false, nil
	}
	transfer.Status = model.TransferStatusConfirmed
	transfer.ConfirmedHeight = confirmedHeight
	return true, nil
}

func (m *mockTransferRepository) Fail(ctx context.Context, transferID string, reason string) (bool, error) {
	args := m.Called(ctx, transferID, reason)
	if args.Error(1) != nil {
		return false, args.Error(1)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	transfer, ok := m.transfers[transferID]
	if !ok || transfer.Status.IsTerminal() {
		return false, nil
	}
	transfer.Status = model.TransferStatusFailed
	transfer.FailReason = reason
	return true, nil
}

func (m *mockTransferRepository) RevertToExecuted(ctx context.Context, transferID string) (bool, error) {
	args := m.Called(ctx, transferID)
	if args.Error(1) != nil {
		return false, args.Error(1)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	transfer, ok := m.transfers[transferID]
	if !ok || transfer.Status != model.TransferStatusConfirmed {
		return false, nil
	}
	transfer.Status = model.TransferStatusExecuted
	transfer.ConfirmedHeight = 0
	transfer.TxBlockHeight = 0
	return true, nil
}

func (m *mockTransferRepository) ListByStatus(ctx context.Context, status model.TransferStatus, page *repository.Pagination) ([]*model.Transfer, error) {
	args := m.Called(ctx, status, page)
	if args.Error(1) != nil {
		return nil, args.Error(1)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var transfers []*model.Transfer
	for _, transfer := range m.transfers {
		if transfer.Status == status {
			copied := *transfer
			transfers = append(transfers, &copied)
		}
	}
	return transfers, nil
}

func (m *mockTransferRepository) ListExecutedConfirmable(ctx context.Context, chainID int64, confirmableHeight int64) ([]*model.Transfer, error) {
	args := m.Called(ctx, chainID, confirmableHeight)
	if args.Error(1) != nil {
		return nil, args.Error(1)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var transfers []*model.Transfer
	for _, transfer := range m.transfers {
		if transfer.ChainID == chainID &&
			transfer.Status == model.TransferStatusExecuted &&
			transfer.Kind == model.TransferKindExternal &&
			transfer.TxBlockHeight > 0 &&
			transfer.TxBlockHeight <= confirmableHeight {
			copied := *transfer
			transfers = append(transfers, &copied)
		}
	}
	return transfers, nil
}

func (m *mockTransferRepository) ListConfirmedFromHeight(ctx context.Context, chainID int64, fromHeight int64) ([]*model.Transfer, error) {
	args := m.Called(ctx, chainID, fromHeight)
	if args.Error(1) != nil {
		return nil, args.Error(1)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var transfers []*model.Transfer
	for _, transfer := range m.transfers {
		if transfer.ChainID == chainID &&
			transfer.Status == model.TransferStatusConfirmed &&
			transfer.ConfirmedHeight >= fromHeight {
			copied := *transfer
			transfers = append(transfers, &copied)
		}
	}
	return transfers, nil
}

func (m *mockTransferRepository) GetByTxHash(ctx context.Context, chainID int64, txHash string) (*model.Transfer, error) {
	args := m.Called(ctx, chainID, txHash)
	if args.Error(1) != nil {
		return nil, args.Error(1)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, transfer := range m.transfers {
		if transfer.ChainID == chainID && transfer.TxHash == txHash {
			copied := *transfer
			return &copied, nil
		}
	}
	return nil, repository.ErrTransferNotFound
}

func (m *mockTransferRepository) AppendEvent(ctx context.Context, event *model.TransferEvent) error {
	args := m.Called(ctx, event)
	if args.Error(0) != nil {
		return args.Error(0)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockTransferRepository) ListEvents(ctx context.Context, transferID string) ([]*model.TransferEvent, error) {
	args := m.Called(ctx, transferID)
	if args.Error(1) != nil {
		return nil, args.Error(1)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var events []*model.TransferEvent
	for _, event := range m.events {
		if event.TransferID == transferID {
			events = append(events, event)
		}
	}
	return events, nil
}

func (m *mockTransferRepository) CreateReserve(ctx context.Context, reserve *model.Reserve) error {
	args := m.Called(ctx, reserve)
	if args.Error(0) != nil {
		return args.Error(0)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reserves[reserve.TransferID]; ok {
		return repository.ErrDuplicateReserve
	}
	m.reserves[reserve.TransferID] = reserve
	return nil
}

func (m *mockTransferRepository) SumOpenReserves(ctx context.Context, walletAddress, token string) (decimal.Decimal, error) {
	args := m.Called(ctx, walletAddress, token)
	if args.Error(1) != nil {
		return decimal.Zero, args.Error(1)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := decimal.Zero
	for _, reserve := range m.reserves {
		if reserve.WalletAddress == walletAddress && reserve.Token == token {
			total = total.Add(reserve.Amount)
		}
	}
	return total, nil
}

func (m *mockTransferRepository) GetReserveByTransferID(ctx context.Context, transferID string) (*model.Reserve, error) {
	args := m.Called(ctx, transferID)
	if args.Error(1) != nil {
		return nil, args.Error(1)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	reserve, ok := m.reserves[transferID]
	if !ok {
		return nil, repository.ErrReserveNotFound
	}
	return reserve, nil
}

func (m *mockTransferRepository) DeleteReserve(ctx context.Context, transferID string) (bool, error) {
	args := m.Called(ctx, transferID)
	if args.Error(1) != nil {
		return false, args.Error(1)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reserves[transferID]; !ok {
		return false, nil
	}
	delete(m.reserves, transferID)
	return true, nil
}

// mockChainRepository 模拟链状态仓储
type mockChainRepository struct {
	mock.Mock
	mu     sync.RWMutex
	chains map[int64]*model.Chain
	blocks map[int64]map[int64]*model.Block // chain_id -> height -> block
}

func newMockChainRepository() *mockChainRepository {
	return &mockChainRepository{
		chains: make(map[int64]*model.Chain),
		blocks: make(map[int64]map[int64]*model.Block),
	}
}

func (m *mockChainRepository) GetChain(ctx context.Context, chainID int64) (*model.Chain, error) {
	args := m.Called(ctx, chainID)
	if args.Error(1) != nil {
		return nil, args.Error(1)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain, ok := m.chains[chainID]
	if !ok {
		return nil, repository.ErrChainNotFound
	}
	copied := *chain
	return &copied, nil
}

func (m *mockChainRepository) UpsertChain(ctx context.Context, chain *model.Chain) error {
	args := m.Called(ctx, chain)
	if args.Error(0) != nil {
		return args.Error(0)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chains[chain.ChainID] = chain
	return nil
}

func (m *mockChainRepository) UpdateHeight(ctx context.Context, chainID int64, height int64, synced bool) error {
	args := m.Called(ctx, chainID, height, synced)
	if args.Error(0) != nil {
		return args.Error(0)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if chain, ok := m.chains[chainID]; ok {
		chain.Height = height
		chain.Synced = synced
	}
	return nil
}

func (m *mockChainRepository) CreateBlock(ctx context.Context, block *model.Block) error {
	args := m.Called(ctx, block)
	if args.Error(0) != nil {
		return args.Error(0)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	blocks, ok := m.blocks[block.ChainID]
	if !ok {
		blocks = make(map[int64]*model.Block)
		m.blocks[block.ChainID] = blocks
	}
	if existing, ok := blocks[block.Height]; ok && existing.Hash == block.Hash {
		return repository.ErrDuplicateBlock
	}
	blocks[block.Height] = block
	return nil
}

func (m *mockChainRepository) GetBlockByHeight(ctx context.Context, chainID int64, height int64) (*model.Block, error) {
	args := m.Called(ctx, chainID, height)
	if args.Error(1) != nil {
		return nil, args.Error(1)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	blocks, ok := m.blocks[chainID]
	if !ok {
		return nil, repository.ErrBlockNotFound
	}
	block, ok := blocks[height]
	if !ok {
		return nil, repository.ErrBlockNotFound
	}
	return block, nil
}

func (m *mockChainRepository) ListBlocksFromHeight(ctx context.Context, chainID int64, fromHeight int64) ([]*model.Block, error) {
	args := m.Called(ctx, chainID, fromHeight)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Block), args.Error(1)
}

func (m *mockChainRepository) CreateTransaction(ctx context.Context, tx *model.Transaction) error {
	args := m.Called(ctx, tx)
	return args.Error(0)
}

func (m *mockChainRepository) GetTransactionByHash(ctx context.Context, chainID int64, txHash string) (*model.Transaction, error) {
	args := m.Called(ctx, chainID, txHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Transaction), args.Error(1)
}

// mockWalletExecutor 模拟热钱包执行器
type mockWalletExecutor struct {
	mock.Mock
}

func (m *mockWalletExecutor) Address() string {
	args := m.Called()
	return args.String(0)
}

func (m *mockWalletExecutor) CheckFunds(ctx context.Context, token string, amount decimal.Decimal) error {
	args := m.Called(ctx, token, amount)
	return args.Error(0)
}

func (m *mockWalletExecutor) Send(ctx context.Context, req *blockchain.SendRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

// mockProvisioner 模拟钱包补给
type mockProvisioner struct {
	mock.Mock
}

func (m *mockProvisioner) ProvisionWallet() (string, error) {
	args := m.Called()
	return args.String(0), args.Error(1)
}

// eventCapture 收集发布到总线的事件
type eventCapture struct {
	mu     sync.Mutex
	events []bus.Event
}

func captureTopics(b *bus.Bus, topics ...bus.Topic) *eventCapture {
	c := &eventCapture{}
	for _, topic := range topics {
		b.Subscribe(topic, func(ctx context.Context, event bus.Event) error {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.events = append(c.events, event)
			return nil
		})
	}
	return c
}

func (c *eventCapture) byTopic(topic bus.Topic) []bus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var events []bus.Event
	for _, event := range c.events {
		if event.Topic() == topic {
			events = append(events, event)
		}
	}
	return events
}

// expectAll 放开一个模拟对象上所有按状态驱动的方法
func expectAll(m *mock.Mock, methods map[string]int) {
	for name, argc := range methods {
		anys := make([]interface{}, argc)
		for i := range anys {
			anys[i] = mock.Anything
		}
		m.On(name, anys...).Return(nil, nil)
	}
}
