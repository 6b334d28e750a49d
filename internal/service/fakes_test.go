package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"fulfillment-service/config"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
)

// memRepo is an in-memory DeliveryRepository and OrderRepository with the same
// compare-and-set behaviour as store.Store
type memRepo struct {
	mu         sync.Mutex
	nextID     int64
	deliveries map[int64]*models.Delivery
	orders     map[int64]*models.Order
	files      map[int64][]models.ProductFile
	processed  map[string]bool
}

func newMemRepo() *memRepo {
	return &memRepo{
		deliveries: make(map[int64]*models.Delivery),
		orders:     make(map[int64]*models.Order),
		files:      make(map[int64][]models.ProductFile),
		processed:  make(map[string]bool),
	}
}

func cloneDelivery(d *models.Delivery) models.Delivery {
	c := *d
	c.StateHistory = append(models.StateHistory{}, d.StateHistory...)
	c.DeliveryLink.Files = append([]models.DownloadFile(nil), d.DeliveryLink.Files...)
	return c
}

func (m *memRepo) CreateDeliveryIfMissing(_ context.Context, d *models.Delivery) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.deliveries {
		if existing.OrderID == d.OrderID && existing.OrderItemID == d.OrderItemID {
			*d = cloneDelivery(existing)
			return false, nil
		}
	}
	m.nextID++
	d.ID = m.nextID
	stored := cloneDelivery(d)
	m.deliveries[d.ID] = &stored
	return true, nil
}

func (m *memRepo) GetDelivery(_ context.Context, id int64) (*models.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil, fmt.Errorf("delivery %d: %w", id, store.ErrNotFound)
	}
	c := cloneDelivery(d)
	return &c, nil
}

func (m *memRepo) ListCustomerDeliveries(_ context.Context, orderID, customerID int64) ([]models.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.CustomerID != customerID {
		return nil, nil
	}
	var out []models.Delivery
	for _, d := range m.deliveries {
		if d.OrderID == orderID {
			out = append(out, cloneDelivery(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderItemID < out[j].OrderItemID })
	return out, nil
}

func (m *memRepo) ApplyTransition(_ context.Context, w store.TransitionWrite) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[w.DeliveryID]
	if !ok || d.State != w.Entry.From {
		return fmt.Errorf("delivery %d: %w", w.DeliveryID, store.ErrStaleState)
	}
	if w.CountRetry && d.RetryCount >= d.MaxRetries {
		return fmt.Errorf("delivery %d: %w", w.DeliveryID, store.ErrStaleState)
	}
	d.State = w.Entry.To
	d.StateChangedAt = w.Entry.At
	d.StateHistory = append(d.StateHistory, w.Entry)
	if w.FailureReason != nil {
		d.FailureReason = *w.FailureReason
	}
	d.NextRetryAt = w.NextRetryAt
	if w.CountRetry {
		d.RetryCount++
		at := w.Entry.At
		d.LastRetryAt = &at
	}
	return nil
}

func (m *memRepo) RaiseEscalation(_ context.Context, id int64, from, to int, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok || d.EscalationLevel != from {
		return false, nil
	}
	d.EscalationLevel = to
	d.LastEscalatedAt = &at
	return true, nil
}

func (m *memRepo) SaveDeliveryLink(_ context.Context, id int64, link models.DeliveryLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return store.ErrNotFound
	}
	d.DeliveryLink = link
	d.LinkExpiresAt = link.EarliestExpiry()
	return nil
}

func (m *memRepo) SaveHostingDetails(_ context.Context, id int64, domain, credentials, notes string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return store.ErrNotFound
	}
	d.HostingDomain, d.HostingCredentials, d.AdminNotes = domain, credentials, notes
	return nil
}

func (m *memRepo) MarkCredentialsSent(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return store.ErrNotFound
	}
	d.CredentialsSentAt = &at
	return nil
}

func (m *memRepo) MarkViewed(_ context.Context, id, customerID int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok || m.orders[d.OrderID] == nil || m.orders[d.OrderID].CustomerID != customerID {
		return false, fmt.Errorf("delivery %d: %w", id, store.ErrNotFound)
	}
	if d.CustomerViewedAt != nil {
		return false, nil
	}
	d.CustomerViewedAt = &at
	return true, nil
}

func (m *memRepo) IncrementDownloadCount(_ context.Context, id int64) (int, models.DeliveryState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return 0, "", store.ErrNotFound
	}
	d.CustomerDownloadCount++
	return d.CustomerDownloadCount, d.State, nil
}

func (m *memRepo) ClaimDeliveries(_ context.Context, q store.ClaimQuery) ([]models.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, d := range m.deliveries {
		if q.Matches(d) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > q.Limit {
		ids = ids[:q.Limit]
	}

	out := make([]models.Delivery, 0, len(ids))
	for _, id := range ids {
		d := m.deliveries[id]
		token, lease := q.Token, q.LeaseUntil
		d.ClaimedBy, d.ClaimedUntil = &token, &lease
		out = append(out, cloneDelivery(d))
	}
	return out, nil
}

func (m *memRepo) ReleaseClaim(_ context.Context, id int64, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.deliveries[id]; ok && d.ClaimedBy != nil && *d.ClaimedBy == token {
		d.ClaimedBy, d.ClaimedUntil = nil, nil
	}
	return nil
}

func (m *memRepo) UpsertPaidOrder(_ context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.orders[order.ID]; ok {
		*order = *existing
		return nil
	}
	stored := *order
	m.orders[order.ID] = &stored
	return nil
}

func (m *memRepo) GetOrderByID(_ context.Context, id int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, store.ErrNotFound)
	}
	c := *o
	return &c, nil
}

func (m *memRepo) GetProductFiles(_ context.Context, productID int64) ([]models.ProductFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.files[productID], nil
}

func (m *memRepo) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processed[eventID], nil
}

func (m *memRepo) MarkEventProcessed(_ context.Context, eventID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[eventID] = true
	return nil
}

// get returns the stored row without copying, for assertions
func (m *memRepo) get(t *testing.T, id int64) *models.Delivery {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		t.Fatalf("delivery %d not stored", id)
	}
	return d
}

func (m *memRepo) byItem(t *testing.T, orderID, itemID int64) *models.Delivery {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.deliveries {
		if d.OrderID == orderID && d.OrderItemID == itemID {
			return d
		}
	}
	t.Fatalf("no delivery for order %d item %d", orderID, itemID)
	return nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fakeFiles struct {
	clock       *fakeClock
	fail        bool
	issued      int
	invalidated []int64
}

func (f *fakeFiles) GenerateDownloadLink(_ context.Context, deliveryID int64, file models.ProductFile, _ int64) (models.DownloadFile, error) {
	if f.fail {
		return models.DownloadFile{}, errors.New("file storage unavailable")
	}
	f.issued++
	return models.DownloadFile{
		FileID:    file.FileID,
		URL:       fmt.Sprintf("https://dl.test/%d/%s/%d", deliveryID, file.FileID, f.issued),
		Size:      file.SizeBytes,
		Type:      file.MimeType,
		ExpiresAt: f.clock.Now().Add(72 * time.Hour),
	}, nil
}

func (f *fakeFiles) Invalidate(_ context.Context, deliveryID int64) error {
	f.invalidated = append(f.invalidated, deliveryID)
	return nil
}

type alert struct {
	deliveryID int64
	level      int
	reason     string
}

type fakeNotifier struct {
	failNext    int
	alwaysFail  bool
	deliveries  []int64
	credentials []int64
	alerts      []alert
}

func (n *fakeNotifier) shouldFail() bool {
	if n.alwaysFail {
		return true
	}
	if n.failNext > 0 {
		n.failNext--
		return true
	}
	return false
}

func (n *fakeNotifier) SendDelivery(_ context.Context, d *models.Delivery, _ *models.Order) error {
	if n.shouldFail() {
		return errors.New("smtp relay timeout")
	}
	n.deliveries = append(n.deliveries, d.ID)
	return nil
}

func (n *fakeNotifier) SendCredentials(_ context.Context, d *models.Delivery, _ *models.Order) error {
	if n.shouldFail() {
		return errors.New("smtp relay timeout")
	}
	n.credentials = append(n.credentials, d.ID)
	return nil
}

func (n *fakeNotifier) SendAdminAlert(_ context.Context, d *models.Delivery, level int, reason string) error {
	n.alerts = append(n.alerts, alert{deliveryID: d.ID, level: level, reason: reason})
	return nil
}

type fakeEvents struct {
	mu          sync.Mutex
	changes     []*models.DeliveryStateChangedEvent
	escalations []*models.DeliveryEscalatedEvent
}

func (e *fakeEvents) PublishDeliveryStateChanged(_ context.Context, ev *models.DeliveryStateChangedEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.changes = append(e.changes, ev)
	return nil
}

func (e *fakeEvents) PublishDeliveryEscalated(_ context.Context, ev *models.DeliveryEscalatedEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.escalations = append(e.escalations, ev)
	return nil
}

// Catalog used by the tests
const (
	productTool     int64 = 100
	productAPIKey   int64 = 200
	productTemplate int64 = 300
)

type harness struct {
	repo     *memRepo
	files    *fakeFiles
	notifier *fakeNotifier
	events   *fakeEvents
	clock    *fakeClock
	cfg      config.DeliveryConfig
	svc      *Services
}

func testConfig() config.DeliveryConfig {
	return config.DeliveryConfig{
		SLAMinutes: map[models.ProductType]int{
			models.ProductTypeTool:     10,
			models.ProductTypeTemplate: 2880,
			models.ProductTypeAPIKey:   10,
		},
		RiskWindow:         30 * time.Minute,
		MaxRetries:         3,
		RetryBaseDelay:     5 * time.Minute,
		SweepBatchSize:     10,
		ClaimTTL:           2 * time.Minute,
		EscalationInterval: time.Hour,
		MaxEscalationLevel: 3,
		LinkExpiryGrace:    24 * time.Hour,
		TemplateETA:        "24-48 hours",
		Progress:           config.DefaultProgress(),
		Labels:             config.DefaultLabels(),
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	clock := &fakeClock{now: time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)}
	repo := newMemRepo()
	repo.files[productTool] = []models.ProductFile{
		{ProductID: productTool, FileID: "tool-win.zip", SizeBytes: 1 << 20, MimeType: "application/zip"},
		{ProductID: productTool, FileID: "tool-mac.dmg", SizeBytes: 2 << 20, MimeType: "application/x-apple-diskimage"},
	}
	repo.files[productAPIKey] = []models.ProductFile{
		{ProductID: productAPIKey, FileID: "license.txt", SizeBytes: 512, MimeType: "text/plain"},
	}

	h := &harness{
		repo:     repo,
		files:    &fakeFiles{clock: clock},
		notifier: &fakeNotifier{},
		events:   &fakeEvents{},
		clock:    clock,
		cfg:      testConfig(),
	}
	h.svc = New(Dependencies{
		Deliveries: h.repo,
		Orders:     h.repo,
		Files:      h.files,
		Notifier:   h.notifier,
		Events:     h.events,
		Config:     h.cfg,
		Clock:      clock.Now,
	})
	return h
}

func paidEvent(eventID string, orderID int64, items ...models.LineItem) *models.OrderPaidEvent {
	return &models.OrderPaidEvent{
		BaseEvent: models.BaseEvent{
			EventID:   eventID,
			EventType: models.EventTypeOrderPaid,
		},
		OrderID:       orderID,
		CustomerID:    77,
		CustomerEmail: "buyer@example.com",
		CustomerName:  "Buyer",
		FinalAmount:   4900,
		Items:         items,
	}
}

func toolItem(itemID int64) models.LineItem {
	return models.LineItem{OrderItemID: itemID, ProductID: productTool, ProductType: models.ProductTypeTool, ProductName: "Invoice Tool", Quantity: 1}
}

func apiKeyItem(itemID int64) models.LineItem {
	return models.LineItem{OrderItemID: itemID, ProductID: productAPIKey, ProductType: models.ProductTypeAPIKey, ProductName: "API Access", Quantity: 1}
}

func templateItem(itemID int64) models.LineItem {
	return models.LineItem{OrderItemID: itemID, ProductID: productTemplate, ProductType: models.ProductTypeTemplate, ProductName: "Shop Template", Quantity: 1}
}

func historyPath(d *models.Delivery) []models.DeliveryState {
	if len(d.StateHistory) == 0 {
		return nil
	}
	path := []models.DeliveryState{d.StateHistory[0].From}
	for _, e := range d.StateHistory {
		path = append(path, e.To)
	}
	return path
}
