package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/purchasing/internal/messaging/kafka"
)

// events-tail подписывается на события покупок и печатает их в stdout.
// Утилита для отладки пайплайна outbox -> Kafka на стенде.

type config struct {
	brokers []string
	topics  []string
	groupID string
	raw     bool
}

func parseConfig(args []string) (config, error) {
	var cfg config
	var brokersValue string
	var topicsValue string

	fs := flag.NewFlagSet("events-tail", flag.ContinueOnError)
	fs.StringVar(&brokersValue, "brokers", "localhost:9092", "comma-separated kafka brokers")
	fs.StringVar(&topicsValue, "topics", kafka.TopicPurchaseEvents, "comma-separated topics to tail")
	fs.StringVar(&cfg.groupID, "group", "purchasing-events-tail", "consumer group id")
	fs.BoolVar(&cfg.raw, "raw", false, "print raw message values instead of parsed events")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.brokers = splitList(brokersValue)
	cfg.topics = splitList(topicsValue)

	if len(cfg.brokers) == 0 {
		return cfg, fmt.Errorf("brokers are required")
	}
	if len(cfg.topics) == 0 {
		return cfg, fmt.Errorf("topics are required")
	}
	if strings.TrimSpace(cfg.groupID) == "" {
		return cfg, fmt.Errorf("group is required")
	}

	return cfg, nil
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}

func printMessage(message *sarama.ConsumerMessage, raw bool) {
	if raw {
		fmt.Printf("%s/%d@%d key=%s %s\n",
			message.Topic, message.Partition, message.Offset, string(message.Key), string(message.Value))
		return
	}

	event, err := kafka.ParsePurchaseEvent(message)
	if err != nil {
		fmt.Printf("%s/%d@%d key=%s <unparsed> %s\n",
			message.Topic, message.Partition, message.Offset, string(message.Key), string(message.Value))
		return
	}

	fmt.Printf("%s %s attempt=%s user=%s state=%s\n",
		event.Timestamp.Format("15:04:05.000"),
		event.EventType,
		event.AttemptID,
		event.UserID,
		event.State,
	)
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	handler := func(_ context.Context, message *sarama.ConsumerMessage) error {
		printMessage(message, cfg.raw)
		return nil
	}

	consumer, err := kafka.NewConsumer(cfg.brokers, cfg.groupID, cfg.topics, handler)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "create consumer: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := consumer.Start(ctx); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "start consumer: %v\n", err)
		os.Exit(1)
	}

	<-ctx.Done()
	if err := consumer.Stop(); err != nil {
		log.WithError(err).Warn("consumer stopped with error")
	}
}
