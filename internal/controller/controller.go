// Package controller sequences one scan at a time: capture location, record
// the pending kit, look up nearby accounts in the background and finalize the
// kit once the operator picks one.
package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"kit-tracker/internal/models"
)

var (
	ErrLocationUnavailable = errors.New("location unavailable")
	ErrDuplicateScan       = errors.New("duplicate scan")
	ErrEmptyCode           = errors.New("empty scan code")
	ErrFlowNotFound        = errors.New("flow not found")
	ErrStaleFlow           = errors.New("flow is no longer active")
	ErrLookupPending       = errors.New("account lookup still running")
	ErrUnknownAccount      = errors.New("account was not offered for this kit")
	ErrClosed              = errors.New("controller closed")
)

const (
	DefaultDebounce = 2 * time.Second
	maxFlows        = 100
)

// Locator reports the device position.
type Locator interface {
	Locate(ctx context.Context) (models.Coordinate, error)
}

type LocatorFunc func(ctx context.Context) (models.Coordinate, error)

func (f LocatorFunc) Locate(ctx context.Context) (models.Coordinate, error) { return f(ctx) }

// AccountFinder ranks candidate accounts around a location. It never fails;
// a degraded lookup returns an empty list.
type AccountFinder interface {
	FindNearestAccounts(ctx context.Context, location models.Coordinate, radiusKm float64, maxResults int) []models.Account
}

// KitStore is the part of the session store the controller drives.
type KitStore interface {
	AddScannedKit(ctx context.Context, code string, location models.Coordinate) models.ScannedKit
	UpdateKitAccount(ctx context.Context, kitID string, account models.Account) error
	ClearPendingKit(ctx context.Context)
	StartNewSession(ctx context.Context) models.Session
	GetKitByID(kitID string) (models.ScannedKit, bool)
}

type Controller struct {
	store      KitStore
	finder     AccountFinder
	logger     *zap.Logger
	now        func() time.Time
	debounce   time.Duration
	radiusKm   float64
	maxResults int

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	flows    map[string]*flow
	order    []string
	active   string
	lastCode string
	lastScan time.Time
	closed   bool
}

type Option func(*Controller)

func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithDebounce sets how long an identical code is ignored after a scan.
// Zero disables debouncing.
func WithDebounce(d time.Duration) Option {
	return func(c *Controller) { c.debounce = d }
}

// WithSearch sets the radius and result cap passed to the finder. Zero
// leaves the choice to the finder.
func WithSearch(radiusKm float64, maxResults int) Option {
	return func(c *Controller) {
		c.radiusKm = radiusKm
		c.maxResults = maxResults
	}
}

func New(store KitStore, finder AccountFinder, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		store:      store,
		finder:     finder,
		logger:     zap.NewNop(),
		now:        time.Now,
		debounce:   DefaultDebounce,
		baseCtx:    ctx,
		baseCancel: cancel,
		flows:      make(map[string]*flow),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Scan starts a flow for code. Any active flow is cancelled first. A location
// failure aborts the flow without recording a kit and returns an error
// wrapping ErrLocationUnavailable. On success the flow is in
// StateAccountsRequested and the lookup runs in the background.
func (c *Controller) Scan(ctx context.Context, code string, locator Locator) (Flow, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Flow{}, ErrEmptyCode
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Flow{}, ErrClosed
	}
	now := c.now()
	if c.debounce > 0 && code == c.lastCode && now.Sub(c.lastScan) < c.debounce {
		c.mu.Unlock()
		return Flow{}, fmt.Errorf("%w: %s", ErrDuplicateScan, code)
	}
	c.lastCode, c.lastScan = code, now

	if prev := c.flows[c.active]; prev != nil {
		c.cancelLocked(ctx, prev, "superseded by scan "+code)
	}
	f := newFlow(uuid.NewString(), code, now)
	c.trackLocked(f)
	c.active = f.snap.ID
	f.log(now, "scanned "+code)
	c.mu.Unlock()

	c.logger.Info("scan received", zap.String("flow_id", f.snap.ID), zap.String("code", code))

	loc, err := locator.Locate(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if !errors.Is(err, ErrLocationUnavailable) {
			err = fmt.Errorf("%w: %v", ErrLocationUnavailable, err)
		}
		f.snap.State = StateIdle
		f.snap.Error = err.Error()
		f.log(c.now(), "location failed: "+err.Error())
		f.settle()
		if c.active == f.snap.ID {
			c.active = ""
		}
		if c.lastCode == code {
			c.lastCode = ""
		}
		c.logger.Warn("scan aborted", zap.String("flow_id", f.snap.ID), zap.Error(err))
		return f.snapshot(), err
	}
	if c.active != f.snap.ID || c.closed {
		return f.snapshot(), fmt.Errorf("%w: %s", ErrStaleFlow, f.snap.ID)
	}

	f.snap.State = StateLocationCaptured
	f.snap.Location = loc
	f.log(c.now(), fmt.Sprintf("location %.5f,%.5f", loc.Latitude, loc.Longitude))

	kit := c.store.AddScannedKit(ctx, code, loc)
	f.snap.KitID = kit.ID
	f.snap.State = StateAccountsRequested
	f.log(c.now(), "kit recorded "+kit.ID+", looking up accounts")

	lookupCtx, cancel := context.WithCancel(c.baseCtx)
	f.cancel = cancel
	c.wg.Add(1)
	go c.lookup(lookupCtx, f, loc)

	return f.snapshot(), nil
}

func (c *Controller) lookup(ctx context.Context, f *flow, loc models.Coordinate) {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			c.mu.Lock()
			defer c.mu.Unlock()
			f.snap.Error = fmt.Sprintf("account lookup panic: %v", r)
			f.log(c.now(), f.snap.Error)
			if c.active == f.snap.ID && f.snap.State == StateAccountsRequested {
				f.snap.Accounts = []models.Account{}
				f.snap.AccountsLoaded = true
			}
			f.settle()
			c.logger.Error("account lookup panicked", zap.String("flow_id", f.snap.ID), zap.Any("panic", r))
		}
	}()

	start := c.now()
	accounts := c.finder.FindNearestAccounts(ctx, loc, c.radiusKm, c.maxResults)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != f.snap.ID || f.snap.State != StateAccountsRequested {
		c.logger.Debug("discarding stale account lookup",
			zap.String("flow_id", f.snap.ID),
			zap.Int("accounts", len(accounts)))
		return
	}
	f.snap.Accounts = accounts
	f.snap.AccountsLoaded = true
	f.log(c.now(), fmt.Sprintf("%d accounts found in %s", len(accounts), c.now().Sub(start).Round(time.Millisecond)))
	f.settle()
	c.logger.Info("accounts ready", zap.String("flow_id", f.snap.ID), zap.Int("accounts", len(accounts)))
}

// Flow returns a snapshot of the flow with id.
func (c *Controller) Flow(id string) (Flow, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.flows[id]
	if f == nil {
		return Flow{}, false
	}
	return f.snapshot(), true
}

// Active returns the flow currently awaiting an operator decision.
func (c *Controller) Active() (Flow, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.flows[c.active]
	if f == nil {
		return Flow{}, false
	}
	return f.snapshot(), true
}

// Await blocks until the flow's lookup settles or ctx is done.
func (c *Controller) Await(ctx context.Context, id string) (Flow, error) {
	c.mu.Lock()
	f := c.flows[id]
	c.mu.Unlock()
	if f == nil {
		return Flow{}, fmt.Errorf("%w: %s", ErrFlowNotFound, id)
	}
	select {
	case <-f.done:
	case <-ctx.Done():
		return Flow{}, ctx.Err()
	}
	flow, _ := c.Flow(id)
	return flow, nil
}

// Confirm finalizes the flow's kit with one of the offered accounts.
func (c *Controller) Confirm(ctx context.Context, flowID, accountID string) (models.ScannedKit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.flows[flowID]
	if f == nil {
		return models.ScannedKit{}, fmt.Errorf("%w: %s", ErrFlowNotFound, flowID)
	}
	if c.active != flowID || f.snap.State != StateAccountsRequested {
		return models.ScannedKit{}, fmt.Errorf("%w: %s is %s", ErrStaleFlow, flowID, f.snap.State)
	}
	if !f.snap.AccountsLoaded {
		return models.ScannedKit{}, ErrLookupPending
	}
	var chosen *models.Account
	for i := range f.snap.Accounts {
		if f.snap.Accounts[i].ID == accountID {
			chosen = &f.snap.Accounts[i]
			break
		}
	}
	if chosen == nil {
		return models.ScannedKit{}, fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	if err := c.store.UpdateKitAccount(ctx, f.snap.KitID, *chosen); err != nil {
		return models.ScannedKit{}, err
	}

	f.snap.State = StateAccountConfirmed
	f.log(c.now(), "confirmed "+chosen.ID+" "+chosen.Name)
	c.active = ""
	c.logger.Info("kit matched",
		zap.String("flow_id", flowID),
		zap.String("kit_id", f.snap.KitID),
		zap.String("account_id", chosen.ID))

	kit, _ := c.store.GetKitByID(f.snap.KitID)
	return kit, nil
}

// Cancel abandons the flow. Its kit, if recorded, stays in the session
// without an account.
func (c *Controller) Cancel(ctx context.Context, flowID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.flows[flowID]
	if f == nil {
		return fmt.Errorf("%w: %s", ErrFlowNotFound, flowID)
	}
	if f.terminal() {
		return fmt.Errorf("%w: %s is %s", ErrStaleFlow, flowID, f.snap.State)
	}
	c.cancelLocked(ctx, f, "cancelled by operator")
	return nil
}

// StartNewSession cancels the active flow and replaces the session.
func (c *Controller) StartNewSession(ctx context.Context) models.Session {
	c.mu.Lock()
	if f := c.flows[c.active]; f != nil {
		c.cancelLocked(ctx, f, "session replaced")
	}
	c.mu.Unlock()
	return c.store.StartNewSession(ctx)
}

// Close cancels outstanding lookups and waits for them to return.
func (c *Controller) Close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		if f := c.flows[c.active]; f != nil {
			c.cancelLocked(context.Background(), f, "shutting down")
		}
	}
	c.mu.Unlock()
	c.baseCancel()
	c.wg.Wait()
}

func (c *Controller) cancelLocked(ctx context.Context, f *flow, reason string) {
	if f.terminal() {
		return
	}
	f.snap.State = StateCancelled
	f.log(c.now(), reason)
	if f.cancel != nil {
		f.cancel()
	}
	f.settle()
	if c.active == f.snap.ID {
		c.active = ""
		if f.snap.KitID != "" {
			c.store.ClearPendingKit(ctx)
		}
	}
	c.logger.Info("flow cancelled",
		zap.String("flow_id", f.snap.ID),
		zap.String("kit_id", f.snap.KitID),
		zap.String("reason", reason))
}

func (c *Controller) trackLocked(f *flow) {
	c.flows[f.snap.ID] = f
	c.order = append(c.order, f.snap.ID)
	for len(c.order) > maxFlows {
		oldest := c.order[0]
		if oldest == c.active {
			break
		}
		c.order = c.order[1:]
		delete(c.flows, oldest)
	}
}
