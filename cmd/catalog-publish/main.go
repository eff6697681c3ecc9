package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/golden-vcr/micro-catalog/config"
	"github.com/golden-vcr/micro-catalog/entry"
	"github.com/golden-vcr/micro-catalog/rmq"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (default: $CATALOG_CONFIG or ./config.yaml)")
	entity := flag.String("entity", "", "entity name, e.g. 'category', 'genre' or 'cast_member'")
	action := flag.String("action", string(rmq.ActionCreated), "model action: 'created', 'updated' or 'deleted'")
	body := flag.String("body", "", "JSON payload to publish; read from stdin if omitted")
	exchange := flag.String("exchange", "", "exchange to publish to (default: the configured sync exchange)")
	flag.Parse()

	app := entry.NewApplication("catalog-publish")
	defer app.Stop()

	cfg, err := config.Load(config.DeterminePath(*configPath))
	if err != nil {
		app.Fail("Failed to load config", err)
	}
	app.SetLogLevel(entry.ParseLevel(cfg.App.LogLevel))
	if *exchange == "" {
		*exchange = cfg.Sync.Exchange
	}

	if *entity == "" {
		app.Fail("Invalid arguments", errors.New("-entity is required"))
	}
	routingKey := rmq.ModelRoutingKey(*entity, rmq.ModelAction(*action))
	if _, err := rmq.ParseModelRoutingKey(routingKey); err != nil {
		app.Fail("Invalid arguments", err)
	}

	payload, err := readPayload(*body, os.Stdin)
	if err != nil {
		app.Fail("Invalid payload", err)
	}

	ctx, cancel := context.WithTimeout(app.Context(), 30*time.Second)
	defer cancel()
	if err := publish(ctx, cfg.RabbitMQ, *exchange, routingKey, payload); err != nil {
		app.Fail("Failed to publish event", err)
	}
	app.Log().Info("Published event", "exchange", *exchange, "routingKey", routingKey, "size", len(payload))
}

// readPayload returns the body to publish, requiring that it's valid JSON
func readPayload(body string, stdin io.Reader) ([]byte, error) {
	data := []byte(body)
	if body == "" {
		var err error
		if data, err = io.ReadAll(stdin); err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
	}
	if !json.Valid(data) {
		return nil, errors.New("payload is not valid JSON")
	}
	return data, nil
}

// publish sends a single message over the first reachable broker URI
func publish(ctx context.Context, cfg config.RabbitMQConfig, exchange, routingKey string, payload []byte) error {
	amqpConfig := amqp.Config{
		Heartbeat: cfg.Heartbeat,
		Dial:      amqp.DefaultDial(cfg.DialTimeout),
	}
	var errs []error
	for _, uri := range cfg.URIs {
		conn, err := rmq.DialAMQP(ctx, uri, amqpConfig)
		if err != nil {
			errs = append(errs, &rmq.ConnectionError{Op: "dial", URL: rmq.SanitizeURL(uri), Err: err})
			continue
		}
		defer conn.Close()

		ch, err := conn.Channel()
		if err != nil {
			return fmt.Errorf("failed to open channel: %w", err)
		}
		defer ch.Close()
		return rmq.NewPublisher(ch, exchange).SendRaw(ctx, routingKey, payload)
	}
	return errors.Join(errs...)
}
