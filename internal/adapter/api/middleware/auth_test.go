package middleware

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/V4T54L/eventstore/internal/domain"
	"github.com/V4T54L/eventstore/internal/domain/mocks"
)

func TestAuth(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	keys := map[string]domain.APIKey{
		"good": {Key: "good", TenantID: "t1"},
	}

	tests := []struct {
		name           string
		header         string
		repoErr        error
		expectedStatus int
		expectedTenant string
	}{
		{name: "Missing Key", expectedStatus: http.StatusUnauthorized},
		{name: "Unknown Key", header: "bad", expectedStatus: http.StatusUnauthorized},
		{name: "Repository Failure", header: "good", repoErr: errors.New("db down"), expectedStatus: http.StatusInternalServerError},
		{name: "Valid Key", header: "good", expectedStatus: http.StatusOK, expectedTenant: "t1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &mocks.MockAPIKeyRepository{Keys: keys, Err: tt.repoErr}
			var seen domain.APIKey
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen, _ = APIKeyFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodGet, "/admin/tenants/t1/events", nil)
			if tt.header != "" {
				req.Header.Set(APIKeyHeader, tt.header)
			}
			rr := httptest.NewRecorder()
			Auth(repo, logger)(next).ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("got status %d, want %d", rr.Code, tt.expectedStatus)
			}
			if seen.TenantID != tt.expectedTenant {
				t.Errorf("got tenant %q in context, want %q", seen.TenantID, tt.expectedTenant)
			}
		})
	}
}

func TestLogging_PassesStatusThrough(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	rr := httptest.NewRecorder()
	Logging(logger)(next).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusTeapot {
		t.Errorf("got status %d, want %d", rr.Code, http.StatusTeapot)
	}
}
