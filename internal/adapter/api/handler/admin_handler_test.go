package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/V4T54L/eventstore/internal/adapter/api/middleware"
	"github.com/V4T54L/eventstore/internal/domain"
	"github.com/V4T54L/eventstore/internal/usecase"
)

// MockEventQuerier records the last filter it received.
type MockEventQuerier struct {
	Events []domain.StoredEvent
	Err    error
	Filter domain.EventFilter
}

func (m *MockEventQuerier) QueryEvents(ctx context.Context, filter domain.EventFilter) ([]domain.StoredEvent, error) {
	m.Filter = filter
	return m.Events, m.Err
}

// MockIntegrityChecker returns a fixed report.
type MockIntegrityChecker struct {
	Report     domain.IntegrityReport
	Err        error
	Start, End *time.Time
}

func (m *MockIntegrityChecker) VerifyIntegrity(ctx context.Context, tenantID string, start, end *time.Time) (domain.IntegrityReport, error) {
	m.Start, m.End = start, end
	return m.Report, m.Err
}

// MockSnapshots serves LatestSnapshot and Build from fixed values.
type MockSnapshots struct {
	Snapshot domain.AggregateSnapshot
	Err      error
	Upto     int64
}

func (m *MockSnapshots) LatestSnapshot(ctx context.Context, aggregateType, aggregateID string) (domain.AggregateSnapshot, error) {
	return m.Snapshot, m.Err
}

func (m *MockSnapshots) Build(ctx context.Context, aggregateType, aggregateID string, uptoVersion int64) (domain.AggregateSnapshot, error) {
	m.Upto = uptoVersion
	return m.Snapshot, m.Err
}

var (
	adminKey  = domain.APIKey{Key: "admin"}
	tenantKey = domain.APIKey{Key: "t1-key", TenantID: "t1"}
)

func newRequest(method, target string, key *domain.APIKey, pathValues map[string]string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range pathValues {
		req.SetPathValue(k, v)
	}
	if key != nil {
		req = req.WithContext(middleware.WithAPIKey(req.Context(), *key))
	}
	return req
}

func testHandler(q *MockEventQuerier, ic *MockIntegrityChecker, s *MockSnapshots) *AdminHandler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if q == nil {
		q = &MockEventQuerier{}
	}
	if ic == nil {
		ic = &MockIntegrityChecker{}
	}
	if s == nil {
		s = &MockSnapshots{}
	}
	return NewAdminHandler(q, ic, s, s, logger)
}

func TestAdminHandler_QueryEvents(t *testing.T) {
	stored := domain.StoredEvent{
		DomainEvent:      domain.DomainEvent{EventID: "e1", EventType: "CASE_CREATED", AggregateType: "Case", AggregateID: "c-1", TenantID: "t1", UserID: "u1"},
		AggregateVersion: 1,
		EventHash:        "abc",
	}

	tests := []struct {
		name           string
		query          string
		tenant         string
		key            *domain.APIKey
		events         []domain.StoredEvent
		mockErr        error
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "Admin Key Reads Tenant",
			tenant:         "t1",
			key:            &adminKey,
			events:         []domain.StoredEvent{stored},
			expectedStatus: http.StatusOK,
			expectedBody:   `"event_hash":"abc"`,
		},
		{
			name:           "Tenant Key Reads Own Tenant",
			tenant:         "t1",
			key:            &tenantKey,
			expectedStatus: http.StatusOK,
			expectedBody:   "[]",
		},
		{
			name:           "Tenant Key Reads Other Tenant",
			tenant:         "t2",
			key:            &tenantKey,
			expectedStatus: http.StatusForbidden,
		},
		{
			name:           "No Key In Context",
			tenant:         "t1",
			expectedStatus: http.StatusForbidden,
		},
		{
			name:           "Invalid Start",
			tenant:         "t1",
			key:            &adminKey,
			query:          "start=yesterday",
			expectedStatus: http.StatusBadRequest,
			expectedBody:   "start must be an RFC3339 timestamp",
		},
		{
			name:           "Invalid Limit",
			tenant:         "t1",
			key:            &adminKey,
			query:          "limit=ten",
			expectedStatus: http.StatusBadRequest,
			expectedBody:   "limit must be an integer",
		},
		{
			name:           "End Before Start",
			tenant:         "t1",
			key:            &adminKey,
			query:          "start=2024-03-02T00:00:00Z&end=2024-03-01T00:00:00Z",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Repository Failure",
			tenant:         "t1",
			key:            &adminKey,
			mockErr:        errors.New("connection reset"),
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := testHandler(&MockEventQuerier{Events: tt.events, Err: tt.mockErr}, nil, nil)
			req := newRequest(http.MethodGet, "/admin/tenants/"+tt.tenant+"/events?"+tt.query, tt.key, map[string]string{"tenantID": tt.tenant})
			rr := httptest.NewRecorder()

			h.QueryEvents(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("handler returned wrong status code: got %v want %v (body %q)", rr.Code, tt.expectedStatus, rr.Body.String())
			}
			if tt.expectedBody != "" && !strings.Contains(rr.Body.String(), tt.expectedBody) {
				t.Errorf("handler returned unexpected body: got %q want substring %q", rr.Body.String(), tt.expectedBody)
			}
		})
	}
}

func TestAdminHandler_QueryEvents_ParsesFilter(t *testing.T) {
	q := &MockEventQuerier{}
	h := testHandler(q, nil, nil)
	target := "/admin/tenants/t1/events?aggregate_type=Case&aggregate_id=c-1&event_type=NOTE_ADDED&user_id=u1&correlation_id=corr&start=2024-03-01T00:00:00Z&end=2024-03-31T23:59:59Z&limit=25&offset=50"
	req := newRequest(http.MethodGet, target, &adminKey, map[string]string{"tenantID": "t1"})
	rr := httptest.NewRecorder()

	h.QueryEvents(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rr.Code, rr.Body.String())
	}
	f := q.Filter
	if f.TenantID != "t1" || f.AggregateType != "Case" || f.AggregateID != "c-1" || f.EventType != "NOTE_ADDED" || f.UserID != "u1" || f.CorrelationID != "corr" {
		t.Errorf("unexpected filter fields: %+v", f)
	}
	if f.Limit != 25 || f.Offset != 50 {
		t.Errorf("unexpected paging: limit %d offset %d", f.Limit, f.Offset)
	}
	wantStart := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if f.StartTime == nil || !f.StartTime.Equal(wantStart) {
		t.Errorf("unexpected start time: %v", f.StartTime)
	}
	if f.EndTime == nil || f.EndTime.Before(wantStart) {
		t.Errorf("unexpected end time: %v", f.EndTime)
	}
}

func TestAdminHandler_VerifyIntegrity(t *testing.T) {
	tests := []struct {
		name           string
		query          string
		key            *domain.APIKey
		report         domain.IntegrityReport
		mockErr        error
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "Valid Chain",
			key:            &adminKey,
			report:         domain.IntegrityReport{Valid: true, TotalEvents: 3, ValidEvents: 3, InvalidEvents: []domain.IntegrityViolation{}},
			expectedStatus: http.StatusOK,
			expectedBody:   `"valid":true`,
		},
		{
			name: "Violations Reported",
			key:  &tenantKey,
			report: domain.IntegrityReport{TotalEvents: 2, ValidEvents: 1, InvalidEvents: []domain.IntegrityViolation{
				{EventID: "e2", Kind: domain.ViolationHashMismatch, Reason: "hash mismatch, possible tampering"},
			}},
			expectedStatus: http.StatusOK,
			expectedBody:   "possible tampering",
		},
		{
			name:           "Bounded Range",
			key:            &adminKey,
			query:          "start=2024-01-01T00:00:00Z&end=2024-02-01T00:00:00Z",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "End Before Start",
			key:            &adminKey,
			query:          "start=2024-02-01T00:00:00Z&end=2024-01-01T00:00:00Z",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Verifier Failure",
			key:            &adminKey,
			mockErr:        errors.New("boom"),
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := testHandler(nil, &MockIntegrityChecker{Report: tt.report, Err: tt.mockErr}, nil)
			req := newRequest(http.MethodGet, "/admin/tenants/t1/integrity?"+tt.query, tt.key, map[string]string{"tenantID": "t1"})
			rr := httptest.NewRecorder()

			h.VerifyIntegrity(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("handler returned wrong status code: got %v want %v (body %q)", rr.Code, tt.expectedStatus, rr.Body.String())
			}
			if tt.expectedBody != "" && !strings.Contains(rr.Body.String(), tt.expectedBody) {
				t.Errorf("handler returned unexpected body: got %q want substring %q", rr.Body.String(), tt.expectedBody)
			}
		})
	}
}

func TestAdminHandler_Snapshots(t *testing.T) {
	snap := domain.AggregateSnapshot{
		SnapshotID:       "s1",
		AggregateType:    "Case",
		AggregateID:      "c-1",
		AggregateVersion: 10,
		SnapshotData:     []byte(`{"status":"open"}`),
		SnapshotHash:     "h",
	}
	paths := map[string]string{"aggregateType": "Case", "aggregateID": "c-1"}

	tests := []struct {
		name           string
		method         string
		query          string
		key            *domain.APIKey
		mockErr        error
		expectedStatus int
		expectedBody   string
	}{
		{name: "Get Latest", method: http.MethodGet, key: &adminKey, expectedStatus: http.StatusOK, expectedBody: `"aggregate_version":10`},
		{name: "Get Missing", method: http.MethodGet, key: &adminKey, mockErr: domain.ErrNotFound, expectedStatus: http.StatusNotFound},
		{name: "Get With Tenant Key", method: http.MethodGet, key: &tenantKey, expectedStatus: http.StatusForbidden},
		{name: "Get Failure", method: http.MethodGet, key: &adminKey, mockErr: errors.New("db down"), expectedStatus: http.StatusInternalServerError},
		{name: "Create", method: http.MethodPost, key: &adminKey, expectedStatus: http.StatusCreated, expectedBody: `"snapshot_id":"s1"`},
		{name: "Create Up To Version", method: http.MethodPost, query: "version=5", key: &adminKey, expectedStatus: http.StatusCreated},
		{name: "Create Bad Version", method: http.MethodPost, query: "version=-1", key: &adminKey, expectedStatus: http.StatusBadRequest},
		{name: "Create Unregistered Type", method: http.MethodPost, key: &adminKey, mockErr: fmt.Errorf("%w: Case", usecase.ErrNoReducer), expectedStatus: http.StatusUnprocessableEntity},
		{name: "Create Without Events", method: http.MethodPost, key: &adminKey, mockErr: fmt.Errorf("no events: %w", domain.ErrNotFound), expectedStatus: http.StatusNotFound},
		{name: "Create With Tenant Key", method: http.MethodPost, key: &tenantKey, expectedStatus: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &MockSnapshots{Snapshot: snap, Err: tt.mockErr}
			h := testHandler(nil, nil, s)
			req := newRequest(tt.method, "/admin/aggregates/Case/c-1/snapshot?"+tt.query, tt.key, paths)
			rr := httptest.NewRecorder()

			if tt.method == http.MethodGet {
				h.GetSnapshot(rr, req)
			} else {
				h.CreateSnapshot(rr, req)
			}

			if rr.Code != tt.expectedStatus {
				t.Errorf("handler returned wrong status code: got %v want %v (body %q)", rr.Code, tt.expectedStatus, rr.Body.String())
			}
			if tt.expectedBody != "" && !strings.Contains(rr.Body.String(), tt.expectedBody) {
				t.Errorf("handler returned unexpected body: got %q want substring %q", rr.Body.String(), tt.expectedBody)
			}
			if tt.query == "version=5" && s.Upto != 5 {
				t.Errorf("expected build up to version 5, got %d", s.Upto)
			}
		})
	}
}

func TestAdminHandler_HealthCheck(t *testing.T) {
	h := testHandler(nil, nil, nil)
	rr := httptest.NewRecorder()
	h.HealthCheck(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("unexpected status %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"status":"ok"`) {
		t.Errorf("unexpected body %q", rr.Body.String())
	}
}
