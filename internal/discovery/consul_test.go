package discovery

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dante-gpu/asset-worker/internal/config"
	consulapi "github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func settings() config.ConsulSettings {
	return config.ConsulSettings{ServiceName: "asset-worker", Tags: []string{"gpu"}, CheckInterval: 10 * time.Second, CheckTimeout: 2 * time.Second}
}

func TestRegistration(t *testing.T) {
	reg, err := Registration(settings(), "worker-1", ":9090")
	require.NoError(t, err)
	assert.Equal(t, "worker-1", reg.ID)
	assert.Equal(t, "asset-worker", reg.Name)
	assert.Equal(t, 9090, reg.Port)
	assert.Empty(t, reg.Address)
	assert.Equal(t, "http://127.0.0.1:9090/healthz", reg.Check.HTTP)
	assert.Equal(t, "10s", reg.Check.Interval)
	assert.Equal(t, "2s", reg.Check.Timeout)

	reg, err = Registration(settings(), "worker-1", "10.0.0.7:9090")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7", reg.Address)
	assert.Equal(t, "http://10.0.0.7:9090/healthz", reg.Check.HTTP)

	_, err = Registration(settings(), "worker-1", "localhost:http-alt")
	assert.Error(t, err)
}

// fakeAgent answers the agent endpoints the worker uses.
type fakeAgent struct {
	mu           sync.Mutex
	registered   *consulapi.AgentServiceRegistration
	deregistered string
}

func (a *fakeAgent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case r.URL.Path == "/v1/agent/self":
		_, _ = w.Write([]byte(`{"Config":{}}`))
	case r.URL.Path == "/v1/agent/service/register":
		var reg consulapi.AgentServiceRegistration
		if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		a.registered = &reg
	case strings.HasPrefix(r.URL.Path, "/v1/agent/service/deregister/"):
		a.deregistered = strings.TrimPrefix(r.URL.Path, "/v1/agent/service/deregister/")
	default:
		http.NotFound(w, r)
	}
}

func TestRegisterAndDeregister(t *testing.T) {
	agent := &fakeAgent{}
	srv := httptest.NewServer(agent)
	defer srv.Close()

	client, err := Connect(strings.TrimPrefix(srv.URL, "http://"), zap.NewNop())
	require.NoError(t, err)

	reg, err := Registration(settings(), "worker-1", ":9090")
	require.NoError(t, err)
	deregister, err := Register(client, reg, zap.NewNop())
	require.NoError(t, err)

	agent.mu.Lock()
	require.NotNil(t, agent.registered)
	assert.Equal(t, "asset-worker", agent.registered.Name)
	agent.mu.Unlock()

	deregister()
	agent.mu.Lock()
	defer agent.mu.Unlock()
	assert.Equal(t, "worker-1", agent.deregistered)
}
