package echogw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/bgsync"
	"github.com/trezcool/masomo-offline/core/queue"
	inmemdb "github.com/trezcool/masomo-offline/storage/database/inmem"
	testutil "github.com/trezcool/masomo-offline/tests"
)

func Test_newAppHTTPErrorHandler(t *testing.T) {
	validate, translator := core.NewValidator()
	svc := queue.NewService(inmemdb.NewPendingRepository(inmemdb.Open()), validate, translator)
	_, invalidWrite := svc.Enqueue(context.Background(), queue.PendingWrite{Kind: "grades", Method: http.MethodPost, Path: "//evil.example.com/grades"})
	require.Error(t, invalidWrite)

	tests := []struct {
		name     string
		err      error
		wantCode int
		wantBody string
	}{
		{
			name:     "invalid write",
			err:      errors.Wrap(errors.Wrap(invalidWrite, "queuing write"), "intercepting request"),
			wantCode: http.StatusBadRequest,
			wantBody: `{"path":"must be a path starting with / or an absolute http(s) URL"}`,
		},
		{
			name:     "unknown sync tag",
			err:      errors.Wrap(bgsync.ErrUnknownTag, "attendance"),
			wantCode: http.StatusNotFound,
			wantBody: `{"error":"unknown sync tag"}`,
		},
		{
			name:     "http error",
			err:      errInvalidKind,
			wantCode: http.StatusBadRequest,
			wantBody: `{"error":"invalid kind"}`,
		},
		{
			name:     "queue persistence",
			err:      errors.Wrap(&queue.PersistenceError{Op: "enqueue", Err: errors.New("disk full")}, "queuing write"),
			wantCode: http.StatusInternalServerError,
			wantBody: `{"error":"Internal Server Error"}`,
		},
	}

	handler := newAppHTTPErrorHandler(testutil.NewLogger(t), translator)
	app := echo.New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			ctx := app.NewContext(httptest.NewRequest(http.MethodPost, "/api/grades", nil), rec)
			handler(tt.err, ctx)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.JSONEq(t, tt.wantBody, rec.Body.String())
		})
	}
}
