package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dante-gpu/asset-worker/internal/config"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func runJetStream(t *testing.T) *natsserver.Server {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	require.NoError(t, err)
	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		t.Fatal("nats server did not start")
	}
	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})
	return srv
}

func jetStreamConfig(url string) config.NatsConfig {
	cfg := config.Default().NatsConfig
	cfg.URL = url
	cfg.AckWait = time.Minute
	cfg.FetchTimeout = 200 * time.Millisecond
	return cfg
}

func connectJetStream(t *testing.T, cfg config.NatsConfig, name string) nats.JetStreamContext {
	t.Helper()
	nc, err := Connect(cfg, name, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	js, err := ConnectJetStream(nc, zap.NewNop())
	require.NoError(t, err)
	return js
}

func TestWorkersSharingDurableEachHoldAJob(t *testing.T) {
	srv := runJetStream(t)
	cfg := jetStreamConfig(srv.ClientURL())

	admin := connectJetStream(t, cfg, "admin")
	require.NoError(t, EnsureStream(admin, cfg.StreamName, StreamSubjects(cfg), zap.NewNop()))
	for i := 1; i <= 2; i++ {
		_, err := admin.Publish(cfg.Reconstruction.Subject, []byte(fmt.Sprintf(`{"asset_id":"a%d"}`, i)))
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu      sync.Mutex
		holding = map[string]string{}
		release = make(chan struct{})
		both    = make(chan struct{})
		done    sync.WaitGroup
	)
	for _, worker := range []string{"worker-1", "worker-2"} {
		js := connectJetStream(t, cfg, worker)
		c := NewConsumer("reconstruction", worker, cfg.Reconstruction, cfg, js, func(_ context.Context, data []byte) error {
			mu.Lock()
			holding[worker] = jobIDOf(data)
			if len(holding) == 2 {
				close(both)
			}
			mu.Unlock()
			<-release
			return nil
		}, zap.NewNop())
		done.Add(1)
		go func() {
			defer done.Done()
			assert.NoError(t, c.Run(ctx))
		}()
	}

	select {
	case <-both:
	case <-time.After(10 * time.Second):
		mu.Lock()
		defer mu.Unlock()
		t.Fatalf("only %d worker(s) received a job: %v", len(holding), holding)
	}
	close(release)
	cancel()
	done.Wait()

	assert.ElementsMatch(t, []string{"a1", "a2"}, []string{holding["worker-1"], holding["worker-2"]})
}

func TestEnsureConsumerRaisesSingleJobLimit(t *testing.T) {
	srv := runJetStream(t)
	cfg := jetStreamConfig(srv.ClientURL())
	js := connectJetStream(t, cfg, "admin")
	require.NoError(t, EnsureStream(js, cfg.StreamName, StreamSubjects(cfg), zap.NewNop()))

	_, err := js.AddConsumer(cfg.StreamName, &nats.ConsumerConfig{
		Durable:       cfg.Reconstruction.Durable,
		FilterSubject: cfg.Reconstruction.Subject,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxAckPending: 1,
	})
	require.NoError(t, err)

	require.NoError(t, EnsureConsumer(js, cfg.StreamName, cfg.Reconstruction, cfg, zap.NewNop()))

	info, err := js.ConsumerInfo(cfg.StreamName, cfg.Reconstruction.Durable)
	require.NoError(t, err)
	assert.NotEqual(t, 1, info.Config.MaxAckPending)
}
