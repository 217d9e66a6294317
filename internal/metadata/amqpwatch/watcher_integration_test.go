package amqpwatch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func runRabbitMQ(t *testing.T) (string, func()) {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-alpine",
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor:   wait.ForListeningPort("5672/tcp").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("rabbitmq container unavailable: %v", err)
	}
	host, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(ctx)
		t.Fatalf("container host: %v", err)
	}
	port, err := c.MappedPort(ctx, "5672")
	if err != nil {
		_ = c.Terminate(ctx)
		t.Fatalf("mapped port: %v", err)
	}
	url := fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
	return url, func() { _ = c.Terminate(ctx) }
}

func TestWatcherIntegration_AppliesNoticesInOrder(t *testing.T) {
	url, cleanup := runRabbitMQ(t)
	defer cleanup()

	catalog := newCatalog()
	cfg := Config{URL: url, Exchange: "regionsync.schema", Queue: "regionsync.schema.ord", RoutingKeys: []string{"tables.*"}, PrefetchCount: 1}
	w, err := New(cfg, catalog, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("watcher start: %v", err)
	}
	defer w.Close()

	conn, err := amqp091.Dial(url)
	if err != nil {
		t.Fatalf("dial amqp: %v", err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	defer ch.Close()

	for _, body := range []string{usersUpsert, `{"garbage`, usersUpsert} {
		if err := ch.PublishWithContext(ctx, cfg.Exchange, "tables.users", false, false, amqp091.Publishing{ContentType: "application/json", Body: []byte(body)}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		if tbl, ok := catalog.Table("users"); ok && tbl.Version == 2 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	tbl, _ := catalog.Table("users")
	t.Fatalf("expected users at version 2, got %+v", tbl)
}
