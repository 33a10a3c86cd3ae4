package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLifecycle(t *testing.T) {
	// Registry state is process-global, so exercise the whole
	// lifecycle in one test.
	InitRegistry()
	require.True(t, IsEnabled())
	require.NotNil(t, GetRegistry())

	first := GetRegistry()
	InitRegistry()
	assert.Same(t, first, GetRegistry())

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
