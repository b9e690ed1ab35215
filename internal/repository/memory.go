package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ruralpay/ledger/internal/models"
)

// lockManager hands out one exclusive, context-aware lock per key.
type lockManager struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newLockManager() *lockManager {
	return &lockManager{locks: make(map[string]chan struct{})}
}

func (l *lockManager) acquire(ctx context.Context, key string) error {
	l.mu.Lock()
	ch, ok := l.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[key] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *lockManager) release(key string) {
	l.mu.Lock()
	ch := l.locks[key]
	l.mu.Unlock()
	<-ch
}

// MemoryStore is an in-process Store. Row locks are emulated with a keyed
// lock manager and writes are staged per unit of work and applied on Commit.
type MemoryStore struct {
	mu    sync.RWMutex
	locks *lockManager

	state    models.SystemState
	wallets  map[string]*models.Wallet
	txs      map[string]*models.Transaction
	txOrder  []string
	codes    map[string]string
	pins     map[string]*models.PinSecret
	qrs      map[string]*models.QRCode
	qrTokens map[string]string
	bookings map[string]*models.Booking
	flags    map[string]*models.TransactionFlag
	audit    []models.AuditLogEntry
}

// NewMemoryStore returns an empty store with the sequence at zero.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:    newLockManager(),
		wallets:  make(map[string]*models.Wallet),
		txs:      make(map[string]*models.Transaction),
		codes:    make(map[string]string),
		pins:     make(map[string]*models.PinSecret),
		qrs:      make(map[string]*models.QRCode),
		qrTokens: make(map[string]string),
		bookings: make(map[string]*models.Booking),
		flags:    make(map[string]*models.TransactionFlag),
	}
}

// PutBooking stores a booking the way the booking service would.
func (s *MemoryStore) PutBooking(b *models.Booking) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *b
	s.bookings[b.ID] = &c
}

// GetBooking returns a copy of a stored booking.
func (s *MemoryStore) GetBooking(id string) (*models.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *b
	return &c, nil
}

// Begin implements Store.
func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memTx{
		ctx:      ctx,
		store:    s,
		heldSet:  make(map[string]bool),
		wallets:  make(map[string]*models.Wallet),
		txByID:   make(map[string]*models.Transaction),
		txByCode: make(map[string]*models.Transaction),
		flagged:  make(map[string]flagUpdate),
		pins:     make(map[string]*models.PinSecret),
		qrs:      make(map[string]*models.QRCode),
		bookings: make(map[string]*models.Booking),
		flags:    make(map[string]*models.TransactionFlag),
	}, nil
}

type flagUpdate struct {
	flagged bool
	at      time.Time
}

type memTx struct {
	ctx     context.Context
	store   *MemoryStore
	held    []string
	heldSet map[string]bool
	done    bool

	state      *models.SystemState
	wallets    map[string]*models.Wallet
	newWallets []string
	txs        []*models.Transaction
	txByID     map[string]*models.Transaction
	txByCode   map[string]*models.Transaction
	flagged    map[string]flagUpdate
	pins       map[string]*models.PinSecret
	qrs        map[string]*models.QRCode
	newQRs     []string
	bookings   map[string]*models.Booking
	flags      map[string]*models.TransactionFlag
	newFlags   []string
	audit      []models.AuditLogEntry
}

func (t *memTx) lock(ctx context.Context, key string) error {
	if t.done {
		return ErrTxDone
	}
	if t.heldSet[key] {
		return nil
	}
	if err := t.store.locks.acquire(ctx, key); err != nil {
		return err
	}
	t.held = append(t.held, key)
	t.heldSet[key] = true
	return nil
}

func (t *memTx) requireLock(key string) error {
	if t.done {
		return ErrTxDone
	}
	if !t.heldSet[key] {
		return fmt.Errorf("%s is not locked by this unit of work", key)
	}
	return nil
}

func (t *memTx) finish() {
	for i := len(t.held) - 1; i >= 0; i-- {
		t.store.locks.release(t.held[i])
	}
	t.held = nil
	t.heldSet = map[string]bool{}
	t.done = true
}

// Rollback discards every staged write and releases the locks.
func (t *memTx) Rollback() error {
	if t.done {
		return nil
	}
	t.finish()
	return nil
}

// Commit applies every staged write atomically.
func (t *memTx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	defer t.finish()

	if err := t.ctx.Err(); err != nil {
		return err
	}

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tx := range t.txs {
		if _, exists := s.codes[tx.Code]; exists {
			return fmt.Errorf("transaction code %s: %w", tx.Code, ErrDuplicate)
		}
	}
	for _, userID := range t.newWallets {
		if _, exists := s.wallets[userID]; exists {
			return fmt.Errorf("wallet for user %s: %w", userID, ErrDuplicate)
		}
	}
	for _, id := range t.newQRs {
		if _, exists := s.qrTokens[t.qrs[id].Token]; exists {
			return fmt.Errorf("qr token: %w", ErrDuplicate)
		}
	}

	if t.state != nil {
		s.state = *t.state
	}
	for userID, w := range t.wallets {
		s.wallets[userID] = w.Clone()
	}
	for _, tx := range t.txs {
		s.txs[tx.ID] = tx.Clone()
		s.txOrder = append(s.txOrder, tx.ID)
		s.codes[tx.Code] = tx.ID
	}
	for id, u := range t.flagged {
		if tx, ok := s.txs[id]; ok {
			tx.IsFlagged = u.flagged
			tx.UpdatedAt = u.at
		}
	}
	for userID, p := range t.pins {
		c := *p
		s.pins[userID] = &c
	}
	for id, q := range t.qrs {
		s.qrs[id] = q.Clone()
		s.qrTokens[q.Token] = id
	}
	for id, b := range t.bookings {
		c := *b
		s.bookings[id] = &c
	}
	for id, f := range t.flags {
		s.flags[id] = f.Clone()
	}
	s.audit = append(s.audit, t.audit...)
	return nil
}

func (t *memTx) LockSystemState(ctx context.Context) (*models.SystemState, error) {
	if err := t.lock(ctx, "system"); err != nil {
		return nil, err
	}
	if t.state != nil {
		c := *t.state
		return &c, nil
	}
	t.store.mu.RLock()
	c := t.store.state
	t.store.mu.RUnlock()
	return &c, nil
}

func (t *memTx) UpdateSystemState(ctx context.Context, state *models.SystemState) error {
	if err := t.requireLock("system"); err != nil {
		return err
	}
	c := *state
	t.state = &c
	return nil
}

func (t *memTx) lookupTransaction(id string) (*models.Transaction, bool) {
	if tx, ok := t.txByID[id]; ok {
		return tx.Clone(), true
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	tx, ok := t.store.txs[id]
	if !ok {
		return nil, false
	}
	c := tx.Clone()
	if u, ok := t.flagged[id]; ok {
		c.IsFlagged = u.flagged
		c.UpdatedAt = u.at
	}
	return c, true
}

func (t *memTx) FindTransactionByCode(ctx context.Context, code string) (*models.Transaction, error) {
	if t.done {
		return nil, ErrTxDone
	}
	if tx, ok := t.txByCode[code]; ok {
		return tx.Clone(), nil
	}
	t.store.mu.RLock()
	id, ok := t.store.codes[code]
	t.store.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	tx, _ := t.lookupTransaction(id)
	return tx, nil
}

func (t *memTx) FindDepositByReference(ctx context.Context, provider, reference string) (*models.Transaction, error) {
	return t.findTransaction(func(tx *models.Transaction) bool {
		if tx.Type != models.TxDeposit {
			return false
		}
		p, ok := tx.Metadata.Payload.(models.DepositPayload)
		return ok && p.Provider == provider && p.Reference == reference
	})
}

func (t *memTx) FindEscrowHold(ctx context.Context, bookingID string) (*models.Transaction, error) {
	return t.findTransaction(func(tx *models.Transaction) bool {
		return tx.Type == models.TxEscrowHold && tx.BookingID != nil && *tx.BookingID == bookingID
	})
}

// findTransaction returns the first staged or committed row matching match.
func (t *memTx) findTransaction(match func(*models.Transaction) bool) (*models.Transaction, error) {
	if t.done {
		return nil, ErrTxDone
	}
	for _, tx := range t.txs {
		if match(tx) {
			return tx.Clone(), nil
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	for _, id := range t.store.txOrder {
		if tx := t.store.txs[id]; match(tx) {
			return tx.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) InsertTransaction(ctx context.Context, tx *models.Transaction) error {
	if t.done {
		return ErrTxDone
	}
	if _, ok := t.txByCode[tx.Code]; ok {
		return fmt.Errorf("transaction code %s: %w", tx.Code, ErrDuplicate)
	}
	t.store.mu.RLock()
	_, exists := t.store.codes[tx.Code]
	t.store.mu.RUnlock()
	if exists {
		return fmt.Errorf("transaction code %s: %w", tx.Code, ErrDuplicate)
	}

	c := tx.Clone()
	t.txs = append(t.txs, c)
	t.txByID[c.ID] = c
	t.txByCode[c.Code] = c
	return nil
}

func (t *memTx) LockTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	if err := t.lock(ctx, "tx:"+id); err != nil {
		return nil, err
	}
	tx, ok := t.lookupTransaction(id)
	if !ok {
		return nil, ErrNotFound
	}
	return tx, nil
}

func (t *memTx) SetTransactionFlagged(ctx context.Context, id string, flagged bool, at time.Time) error {
	if t.done {
		return ErrTxDone
	}
	if staged, ok := t.txByID[id]; ok {
		staged.IsFlagged = flagged
		staged.UpdatedAt = at
		return nil
	}
	if _, ok := t.lookupTransaction(id); !ok {
		return ErrNotFound
	}
	t.flagged[id] = flagUpdate{flagged: flagged, at: at}
	return nil
}

func (t *memTx) InsertWallet(ctx context.Context, w *models.Wallet) error {
	if err := t.lock(ctx, "wallet:"+w.UserID); err != nil {
		return err
	}
	if _, ok := t.wallets[w.UserID]; ok {
		return fmt.Errorf("wallet for user %s: %w", w.UserID, ErrDuplicate)
	}
	t.store.mu.RLock()
	_, exists := t.store.wallets[w.UserID]
	t.store.mu.RUnlock()
	if exists {
		return fmt.Errorf("wallet for user %s: %w", w.UserID, ErrDuplicate)
	}
	t.wallets[w.UserID] = w.Clone()
	t.newWallets = append(t.newWallets, w.UserID)
	return nil
}

func (t *memTx) LockWallets(ctx context.Context, userIDs ...string) (map[string]*models.Wallet, error) {
	out := make(map[string]*models.Wallet, len(userIDs))
	for _, userID := range canonicalOrder(userIDs) {
		if err := t.lock(ctx, "wallet:"+userID); err != nil {
			return nil, err
		}
		if staged, ok := t.wallets[userID]; ok {
			out[userID] = staged.Clone()
			continue
		}
		t.store.mu.RLock()
		w, ok := t.store.wallets[userID]
		var c *models.Wallet
		if ok {
			c = w.Clone()
		}
		t.store.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("wallet for user %s: %w", userID, ErrNotFound)
		}
		out[userID] = c
	}
	return out, nil
}

func (t *memTx) UpdateWallet(ctx context.Context, w *models.Wallet) error {
	if err := t.requireLock("wallet:" + w.UserID); err != nil {
		return err
	}
	t.wallets[w.UserID] = w.Clone()
	return nil
}

func (t *memTx) LockPinSecret(ctx context.Context, userID string) (*models.PinSecret, error) {
	if err := t.lock(ctx, "pin:"+userID); err != nil {
		return nil, err
	}
	if p, ok := t.pins[userID]; ok {
		c := *p
		return &c, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	p, ok := t.store.pins[userID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

func (t *memTx) UpsertPinSecret(ctx context.Context, p *models.PinSecret) error {
	if err := t.requireLock("pin:" + p.UserID); err != nil {
		return err
	}
	c := *p
	t.pins[p.UserID] = &c
	return nil
}

func (t *memTx) InsertQRCode(ctx context.Context, q *models.QRCode) error {
	if t.done {
		return ErrTxDone
	}
	for _, staged := range t.qrs {
		if staged.Token == q.Token {
			return fmt.Errorf("qr token: %w", ErrDuplicate)
		}
	}
	t.store.mu.RLock()
	_, exists := t.store.qrTokens[q.Token]
	t.store.mu.RUnlock()
	if exists {
		return fmt.Errorf("qr token: %w", ErrDuplicate)
	}
	t.qrs[q.ID] = q.Clone()
	t.newQRs = append(t.newQRs, q.ID)
	return nil
}

func (t *memTx) LockQRCodeByToken(ctx context.Context, token string) (*models.QRCode, error) {
	if t.done {
		return nil, ErrTxDone
	}
	id := ""
	for stagedID, q := range t.qrs {
		if q.Token == token {
			id = stagedID
		}
	}
	if id == "" {
		t.store.mu.RLock()
		id = t.store.qrTokens[token]
		t.store.mu.RUnlock()
	}
	if id == "" {
		return nil, ErrNotFound
	}
	return t.LockQRCode(ctx, id)
}

func (t *memTx) LockQRCode(ctx context.Context, id string) (*models.QRCode, error) {
	if err := t.lock(ctx, "qr:"+id); err != nil {
		return nil, err
	}
	if q, ok := t.qrs[id]; ok {
		return q.Clone(), nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	q, ok := t.store.qrs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return q.Clone(), nil
}

func (t *memTx) UpdateQRCode(ctx context.Context, q *models.QRCode) error {
	if err := t.requireLock("qr:" + q.ID); err != nil {
		return err
	}
	t.qrs[q.ID] = q.Clone()
	return nil
}

func (t *memTx) LockBooking(ctx context.Context, id string) (*models.Booking, error) {
	if err := t.lock(ctx, "booking:"+id); err != nil {
		return nil, err
	}
	if b, ok := t.bookings[id]; ok {
		c := *b
		return &c, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	b, ok := t.store.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *b
	return &c, nil
}

func (t *memTx) UpdateBooking(ctx context.Context, b *models.Booking) error {
	if err := t.requireLock("booking:" + b.ID); err != nil {
		return err
	}
	c := *b
	t.bookings[b.ID] = &c
	return nil
}

func (t *memTx) InsertFlag(ctx context.Context, f *models.TransactionFlag) error {
	if t.done {
		return ErrTxDone
	}
	t.flags[f.ID] = f.Clone()
	t.newFlags = append(t.newFlags, f.ID)
	return nil
}

func (t *memTx) LockFlag(ctx context.Context, id string) (*models.TransactionFlag, error) {
	if err := t.lock(ctx, "flag:"+id); err != nil {
		return nil, err
	}
	if f, ok := t.flags[id]; ok {
		return f.Clone(), nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	f, ok := t.store.flags[id]
	if !ok {
		return nil, ErrNotFound
	}
	return f.Clone(), nil
}

func (t *memTx) UpdateFlag(ctx context.Context, f *models.TransactionFlag) error {
	if err := t.requireLock("flag:" + f.ID); err != nil {
		return err
	}
	t.flags[f.ID] = f.Clone()
	return nil
}

func (t *memTx) InsertAuditEntry(ctx context.Context, e *models.AuditLogEntry) error {
	if t.done {
		return ErrTxDone
	}
	t.audit = append(t.audit, *e)
	return nil
}

// Reader

func (s *MemoryStore) GetWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return w.Clone(), nil
}

func (s *MemoryStore) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return tx.Clone(), nil
}

func (s *MemoryStore) ListTransactions(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Transaction
	for i := len(s.txOrder) - 1; i >= 0; i-- {
		tx := s.txs[s.txOrder[i]]
		if userID != "" && tx.UserID != userID {
			continue
		}
		out = append(out, *tx.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) GetQRCode(ctx context.Context, id string) (*models.QRCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.qrs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return q.Clone(), nil
}

func (s *MemoryStore) GetFlag(ctx context.Context, id string) (*models.TransactionFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flags[id]
	if !ok {
		return nil, ErrNotFound
	}
	return f.Clone(), nil
}

func (s *MemoryStore) ListAuditEntries(ctx context.Context, resourceType, resourceID string) ([]models.AuditLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.AuditLogEntry
	for _, e := range s.audit {
		if resourceType != "" && e.ResourceType != resourceType {
			continue
		}
		if resourceID != "" && e.ResourceID != resourceID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *MemoryStore) LedgerStats(ctx context.Context, since time.Time) (*models.LedgerStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &models.LedgerStats{
		WalletCount:      int64(len(s.wallets)),
		TotalAvailable:   decimal.Zero,
		TotalLocked:      decimal.Zero,
		TransactionCount: int64(len(s.txs)),
		Volume24h:        decimal.Zero,
	}
	for _, w := range s.wallets {
		stats.TotalAvailable = stats.TotalAvailable.Add(w.AvailableBalance)
		stats.TotalLocked = stats.TotalLocked.Add(w.LockedBalance)
	}
	for _, tx := range s.txs {
		if tx.IsFlagged {
			stats.FlaggedCount++
		}
		if tx.Status == models.StatusSucceeded && !tx.CreatedAt.Before(since) {
			stats.Volume24h = stats.Volume24h.Add(tx.Amount.Abs())
		}
	}
	return stats, nil
}

func (s *MemoryStore) LedgerTotals(ctx context.Context) (*models.LedgerTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := &models.LedgerTotals{
		WalletSum:            decimal.Zero,
		LockedSum:            decimal.Zero,
		TransactionSum:       decimal.Zero,
		LockedTransactionSum: decimal.Zero,
	}
	for _, w := range s.wallets {
		totals.WalletSum = totals.WalletSum.Add(w.Total())
		totals.LockedSum = totals.LockedSum.Add(w.LockedBalance)
	}
	for _, tx := range s.txs {
		if tx.Status != models.StatusSucceeded {
			continue
		}
		totals.TransactionSum = totals.TransactionSum.Add(tx.Amount)
		totals.LockedTransactionSum = totals.LockedTransactionSum.Add(tx.LockedDelta)
	}
	return totals, nil
}

func (s *MemoryStore) UserActivity(ctx context.Context, since time.Time) ([]models.UserActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type acc struct {
		activity       models.UserActivity
		sum            decimal.Decimal
		counterparties map[string]bool
	}
	byUser := map[string]*acc{}
	for _, id := range s.txOrder {
		tx := s.txs[id]
		a, ok := byUser[tx.UserID]
		if !ok {
			a = &acc{
				activity:       models.UserActivity{UserID: tx.UserID},
				sum:            decimal.Zero,
				counterparties: map[string]bool{},
			}
			byUser[tx.UserID] = a
		}
		a.activity.TxCount++
		if !tx.CreatedAt.Before(since) {
			a.activity.DailyTx++
		}
		if tx.IsFlagged {
			a.activity.FlaggedTx++
		}
		if tx.CounterpartyID != nil {
			a.counterparties[*tx.CounterpartyID] = true
		}
		a.sum = a.sum.Add(tx.Amount.Abs())
		if tx.CreatedAt.After(a.activity.LastActivity) {
			a.activity.LastActivity = tx.CreatedAt
		}
	}

	out := make([]models.UserActivity, 0, len(byUser))
	for _, a := range byUser {
		a.activity.UniqueCounterparties = int64(len(a.counterparties))
		a.activity.AvgAmount = a.sum.Div(decimal.NewFromInt(a.activity.TxCount)).Round(2)
		out = append(out, a.activity)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) CodeStats(ctx context.Context) (*models.CodeStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &models.CodeStats{
		TotalCodes:   int64(len(s.txs)),
		LastSequence: s.state.LastSequence,
	}
	distinct := map[string]bool{}
	for _, tx := range s.txs {
		distinct[tx.Code] = true
		if parsed, err := models.ParseTransactionCode(tx.Code); err == nil && parsed.Sequence > stats.HighestCodeSequence {
			stats.HighestCodeSequence = parsed.Sequence
		}
	}
	stats.DistinctCodes = int64(len(distinct))
	return stats, nil
}
