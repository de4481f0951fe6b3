package discovery

import (
	"fmt"
	"net"
	"strconv"

	"github.com/dante-gpu/asset-worker/internal/config"
	consulapi "github.com/hashicorp/consul/api"
	"go.uber.org/zap"
)

// HealthPath is the status server route Consul probes.
const HealthPath = "/healthz"

// Connect establishes a connection to the Consul agent.
func Connect(consulAddress string, logger *zap.Logger) (*consulapi.Client, error) {
	logger.Info("Attempting to connect to Consul agent", zap.String("address", consulAddress))
	cfg := consulapi.DefaultConfig()
	cfg.Address = consulAddress
	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}
	if _, err := client.Agent().Self(); err != nil {
		return nil, fmt.Errorf("failed to connect/ping consul agent: %w", err)
	}
	logger.Info("Successfully connected to Consul agent", zap.String("address", consulAddress))
	return client, nil
}

// Registration builds the agent registration of this worker's status server
// listening on statusAddr.
func Registration(cfg config.ConsulSettings, instanceID, statusAddr string) (*consulapi.AgentServiceRegistration, error) {
	host, portStr, err := net.SplitHostPort(statusAddr)
	if err != nil {
		host, portStr = "", statusAddr
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid status port %q: %w", portStr, err)
	}

	return &consulapi.AgentServiceRegistration{
		ID:      instanceID,
		Name:    cfg.ServiceName,
		Port:    port,
		Address: host,
		Tags:    cfg.Tags,
		Meta:    map[string]string{"instance_id": instanceID},
		Check: &consulapi.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s%s", net.JoinHostPort(checkAddress(host), strconv.Itoa(port)), HealthPath),
			Interval:                       cfg.CheckInterval.String(),
			Timeout:                        cfg.CheckTimeout.String(),
			DeregisterCriticalServiceAfter: "1m",
		},
	}, nil
}

// checkAddress uses loopback when the server listens on every interface.
func checkAddress(host string) string {
	if host == "" || host == "0.0.0.0" || host == "::" {
		return "127.0.0.1"
	}
	return host
}

// Register announces the worker. The returned func deregisters it.
func Register(client *consulapi.Client, reg *consulapi.AgentServiceRegistration, logger *zap.Logger) (func(), error) {
	if err := client.Agent().ServiceRegister(reg); err != nil {
		return nil, fmt.Errorf("failed to register service '%s' with Consul: %w", reg.Name, err)
	}
	logger.Info("Registered with Consul", zap.String("service_id", reg.ID), zap.String("service_name", reg.Name))

	return func() {
		if err := client.Agent().ServiceDeregister(reg.ID); err != nil {
			logger.Error("Failed to deregister service from Consul", zap.String("service_id", reg.ID), zap.Error(err))
			return
		}
		logger.Info("Deregistered from Consul", zap.String("service_id", reg.ID))
	}, nil
}
