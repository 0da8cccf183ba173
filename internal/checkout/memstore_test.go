package checkout

import (
	"context"
	"sort"
	"sync"
	"time"

	"carmarket-be/internal/car"
	"carmarket-be/internal/ledger"
	"carmarket-be/internal/order"
	"carmarket-be/internal/payment"

	"github.com/google/uuid"
)

// memStore is an in-memory ledger. A transaction works on a copy of the
// state under a store-wide lock and swaps it in only when fn returns nil,
// so a failed transaction leaves nothing behind.
type memStore struct {
	mu    sync.Mutex
	state *memState

	// duplicateOrderNumbers makes the next n order inserts collide.
	duplicateOrderNumbers int
}

type memCallback struct {
	payment.Callback
	attempts  int
	processed bool
	lastError string
}

type memState struct {
	cars         map[int64]car.Car
	orders       map[uuid.UUID]order.Order
	payments     map[uuid.UUID]payment.Payment
	paymentOrder []uuid.UUID
	callbacks    []memCallback
}

func newMemStore(cars ...car.Car) *memStore {
	st := &memState{
		cars:     make(map[int64]car.Car),
		orders:   make(map[uuid.UUID]order.Order),
		payments: make(map[uuid.UUID]payment.Payment),
	}
	for _, c := range cars {
		st.cars[c.ID] = c
	}
	return &memStore{state: st}
}

func (st *memState) clone() *memState {
	out := &memState{
		cars:         make(map[int64]car.Car, len(st.cars)),
		orders:       make(map[uuid.UUID]order.Order, len(st.orders)),
		payments:     make(map[uuid.UUID]payment.Payment, len(st.payments)),
		paymentOrder: append([]uuid.UUID(nil), st.paymentOrder...),
		callbacks:    append([]memCallback(nil), st.callbacks...),
	}
	for k, v := range st.cars {
		out.cars[k] = v
	}
	for k, v := range st.orders {
		out.orders[k] = v
	}
	for k, v := range st.payments {
		out.payments[k] = v
	}
	return out
}

func (s *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context, r ledger.Repos) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(ctx, s.repos(work)); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *memStore) Reader() ledger.Repos {
	return s.repos(nil)
}

func (s *memStore) repos(tx *memState) ledger.Repos {
	base := memRepo{store: s, tx: tx}
	return ledger.Repos{
		Cars:     memCars{base},
		Orders:   memOrders{base},
		Payments: memPayments{base},
	}
}

// Snapshot accessors for assertions.

func (s *memStore) carAt(id int64) car.Car {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.cars[id]
}

func (s *memStore) orderAt(id uuid.UUID) order.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.orders[id]
}

func (s *memStore) paymentAt(id uuid.UUID) payment.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.payments[id]
}

func (s *memStore) paymentsFor(orderID uuid.UUID) []payment.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []payment.Payment
	for _, id := range s.state.paymentOrder {
		if p := s.state.payments[id]; p.OrderID == orderID {
			out = append(out, p)
		}
	}
	return out
}

func (s *memStore) counts() (orders, payments int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.orders), len(s.state.payments)
}

func (s *memStore) callbacks() []memCallback {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]memCallback(nil), s.state.callbacks...)
}

// touch backdates an order and its payments, simulating inactivity.
func (s *memStore) touch(orderID uuid.UUID, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.state.orders[orderID]
	o.UpdatedAt = at
	s.state.orders[orderID] = o
	for id, p := range s.state.payments {
		if p.OrderID == orderID {
			p.UpdatedAt = at
			s.state.payments[id] = p
		}
	}
}

func (s *memStore) setCarStatus(id int64, status car.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.state.cars[id]
	c.Status = status
	s.state.cars[id] = c
}

type memRepo struct {
	store *memStore
	tx    *memState
}

func (r memRepo) do(fn func(st *memState) error) error {
	if r.tx != nil {
		return fn(r.tx)
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return fn(r.store.state)
}

type memCars struct{ memRepo }

func (r memCars) GetByID(_ context.Context, id int64) (*car.Car, error) {
	var out *car.Car
	err := r.do(func(st *memState) error {
		c, ok := st.cars[id]
		if !ok {
			return car.ErrCarNotFound
		}
		out = &c
		return nil
	})
	return out, err
}

func (r memCars) CompareAndSetStatus(_ context.Context, ch car.StatusChange) (bool, error) {
	if !car.CanTransition(ch.From, ch.To) {
		return false, car.ErrIllegalTransition
	}
	var ok bool
	err := r.do(func(st *memState) error {
		c, found := st.cars[ch.CarID]
		if !found || c.Status != ch.From {
			return nil
		}
		if ch.ExpectedHolder != nil && (c.HolderOrderID == nil || *c.HolderOrderID != *ch.ExpectedHolder) {
			return nil
		}
		c.Status = ch.To
		c.HolderOrderID = nil
		if ch.Holder != nil {
			holder := *ch.Holder
			c.HolderOrderID = &holder
		}
		if ch.SoldAt != nil {
			soldAt := *ch.SoldAt
			c.SoldAt = &soldAt
		}
		c.UpdatedAt = ch.At
		st.cars[ch.CarID] = c
		ok = true
		return nil
	})
	return ok, err
}

type memOrders struct{ memRepo }

func (r memOrders) Create(_ context.Context, o *order.Order) error {
	return r.do(func(st *memState) error {
		if r.store.duplicateOrderNumbers > 0 {
			r.store.duplicateOrderNumbers--
			return order.ErrDuplicateOrderNumber
		}
		for _, existing := range st.orders {
			if existing.OrderNumber == o.OrderNumber {
				return order.ErrDuplicateOrderNumber
			}
		}
		st.orders[o.ID] = *o
		return nil
	})
}

func (r memOrders) GetByID(_ context.Context, id uuid.UUID) (*order.Order, error) {
	var out *order.Order
	err := r.do(func(st *memState) error {
		o, ok := st.orders[id]
		if !ok {
			return order.ErrOrderNotFound
		}
		out = &o
		return nil
	})
	return out, err
}

func (r memOrders) GetForUpdate(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	return r.GetByID(ctx, id)
}

func (r memOrders) ListByBuyer(_ context.Context, buyerID int64, limit, offset int32) ([]*order.Order, error) {
	var out []*order.Order
	err := r.do(func(st *memState) error {
		for _, o := range st.orders {
			if o.BuyerID == buyerID {
				o := o
				out = append(out, &o)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if int(offset) >= len(out) {
		return nil, err
	}
	out = out[offset:]
	if len(out) > int(limit) {
		out = out[:limit]
	}
	return out, err
}

func (r memOrders) UpdateStatus(_ context.Context, o *order.Order) error {
	return r.do(func(st *memState) error {
		if _, ok := st.orders[o.ID]; !ok {
			return order.ErrOrderNotFound
		}
		st.orders[o.ID] = *o
		return nil
	})
}

func (r memOrders) ListStalePending(_ context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	var out []uuid.UUID
	err := r.do(func(st *memState) error {
		for id, o := range st.orders {
			if o.Status != order.StatusPending || !o.UpdatedAt.Before(cutoff) {
				continue
			}
			recent := false
			for _, p := range st.payments {
				if p.OrderID == id && !p.UpdatedAt.Before(cutoff) {
					recent = true
				}
			}
			if !recent && len(out) < limit {
				out = append(out, id)
			}
		}
		return nil
	})
	return out, err
}

type memPayments struct{ memRepo }

func (r memPayments) Create(_ context.Context, p *payment.Payment) error {
	return r.do(func(st *memState) error {
		st.payments[p.ID] = *p
		st.paymentOrder = append(st.paymentOrder, p.ID)
		return nil
	})
}

func (r memPayments) GetByID(_ context.Context, id uuid.UUID) (*payment.Payment, error) {
	var out *payment.Payment
	err := r.do(func(st *memState) error {
		p, ok := st.payments[id]
		if !ok {
			return payment.ErrPaymentNotFound
		}
		out = &p
		return nil
	})
	return out, err
}

func (r memPayments) GetForUpdate(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	return r.GetByID(ctx, id)
}

func (r memPayments) GetByProviderReference(_ context.Context, method payment.Method, ref string) (*payment.Payment, error) {
	var out *payment.Payment
	err := r.do(func(st *memState) error {
		for _, id := range st.paymentOrder {
			p := st.payments[id]
			if ref != "" && p.Method == method && p.ProviderReference == ref {
				out = &p
				return nil
			}
		}
		return payment.ErrPaymentNotFound
	})
	return out, err
}

func (r memPayments) ListByOrder(_ context.Context, orderID uuid.UUID) ([]*payment.Payment, error) {
	var out []*payment.Payment
	err := r.do(func(st *memState) error {
		for _, id := range st.paymentOrder {
			if p := st.payments[id]; p.OrderID == orderID {
				out = append(out, &p)
			}
		}
		return nil
	})
	return out, err
}

func (r memPayments) HasActiveAttempt(_ context.Context, orderID uuid.UUID) (bool, error) {
	var active bool
	err := r.do(func(st *memState) error {
		for _, p := range st.payments {
			if p.OrderID == orderID && (p.Status == payment.StatusProcessing || p.Status == payment.StatusCompleted) {
				active = true
			}
		}
		return nil
	})
	return active, err
}

func (r memPayments) Update(_ context.Context, p *payment.Payment) error {
	return r.do(func(st *memState) error {
		if _, ok := st.payments[p.ID]; !ok {
			return payment.ErrPaymentNotFound
		}
		st.payments[p.ID] = *p
		return nil
	})
}

func (r memPayments) SaveCallback(_ context.Context, cb *payment.Callback) (int64, bool, error) {
	var (
		id        int64
		processed bool
	)
	err := r.do(func(st *memState) error {
		for i := range st.callbacks {
			existing := &st.callbacks[i]
			if existing.Provider == cb.Provider && existing.EventID == cb.EventID {
				existing.attempts++
				id, processed = existing.ID, existing.processed
				return nil
			}
		}
		id = int64(len(st.callbacks) + 1)
		stored := *cb
		stored.ID = id
		st.callbacks = append(st.callbacks, memCallback{Callback: stored, attempts: 1})
		return nil
	})
	cb.ID = id
	return id, processed, err
}

func (r memPayments) ListUnprocessedCallbacks(_ context.Context, provider, correlationID string) ([]*payment.Callback, error) {
	var out []*payment.Callback
	err := r.do(func(st *memState) error {
		for _, cb := range st.callbacks {
			if cb.Provider == provider && cb.CorrelationID == correlationID && !cb.processed {
				c := cb.Callback
				out = append(out, &c)
			}
		}
		return nil
	})
	return out, err
}

func (r memPayments) MarkCallbackProcessed(_ context.Context, callbackID int64) error {
	return r.do(func(st *memState) error {
		for i := range st.callbacks {
			if st.callbacks[i].ID == callbackID {
				st.callbacks[i].processed = true
				st.callbacks[i].lastError = ""
			}
		}
		return nil
	})
}

func (r memPayments) MarkCallbackFailed(_ context.Context, callbackID int64, reason string) error {
	return r.do(func(st *memState) error {
		for i := range st.callbacks {
			if st.callbacks[i].ID == callbackID {
				st.callbacks[i].lastError = reason
			}
		}
		return nil
	})
}
