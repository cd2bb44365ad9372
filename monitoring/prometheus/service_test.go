package prometheus

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/codyrs82/edgecoder/runtime"
	"github.com/codyrs82/edgecoder/testutil/assert"
	"github.com/codyrs82/edgecoder/testutil/require"
	"github.com/pkg/errors"
)

type okService struct{}

func (s *okService) Start()        {}
func (s *okService) Stop() error   { return nil }
func (s *okService) Status() error { return nil }

type sickService struct{}

func (s *sickService) Start()        {}
func (s *sickService) Stop() error   { return nil }
func (s *sickService) Status() error { return errors.New("oh no") }

func TestHealthz_AllServicesHealthy(t *testing.T) {
	registry := runtime.NewServiceRegistry()
	require.NoError(t, registry.RegisterService(&okService{}))
	s := NewService(":0", registry)

	rec := httptest.NewRecorder()
	s.healthzHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, strings.Contains(rec.Body.String(), "okService: OK"))
}

func TestHealthz_FailingServiceReports500(t *testing.T) {
	registry := runtime.NewServiceRegistry()
	require.NoError(t, registry.RegisterService(&okService{}))
	require.NoError(t, registry.RegisterService(&sickService{}))
	s := NewService(":0", registry)

	rec := httptest.NewRecorder()
	s.healthzHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, true, strings.Contains(rec.Body.String(), "ERROR oh no"))
}

func TestMetricsRouteRegistered(t *testing.T) {
	registry := runtime.NewServiceRegistry()
	s := NewService(":0", registry)

	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
