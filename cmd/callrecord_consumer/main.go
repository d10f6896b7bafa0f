package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go-callkit/internal/config"
	"go-callkit/internal/models"
	"go-callkit/internal/store"
	"go-callkit/internal/store/mongostore"
	"go-callkit/internal/store/sqlstore"

	"github.com/IBM/sarama"
)

// 消费终态通话事件并落库。存储侧按 call_id 幂等，重复投递无害。
type handler struct {
	ctx     context.Context
	records store.CallRecordStore
}

func (h *handler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *handler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }
func (h *handler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		var rec models.CallRecord
		if err := json.Unmarshal(msg.Value, &rec); err == nil && rec.CallID != "" {
			if err := h.records.Append(h.ctx, &rec); err != nil {
				log.Printf("call record append failed: call=%s err=%v", rec.CallID, err)
				// 不标记位点，等待重试
				continue
			}
			log.Printf("call record persisted: call=%s status=%s duration=%ds", rec.CallID, rec.Status, rec.Duration)
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}

func main() {
	cfg := config.Load()
	if cfg.KafkaBrokers == "" {
		log.Fatal("CALLKIT_KAFKA_BROKERS 未配置")
	}

	var records store.CallRecordStore
	switch cfg.RecordDB {
	case "mongodb":
		mongoDB, err := mongostore.Connect(cfg.MongoURI)
		if err != nil {
			panic(fmt.Sprintf("MongoDB connection failed: %v", err))
		}
		records = store.NewMongoCallRecordStore(mongoDB)
	default: // mysql
		records = store.NewSQLCallRecordStore(mustOpen(cfg.MySQLDSN))
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &handler{ctx: ctx, records: records}

	client, err := sarama.NewConsumerGroup(strings.Split(cfg.KafkaBrokers, ","), "callkit-record-consumer", sarama.NewConfig())
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	topic := cfg.KafkaCallEventTopic
	go func() {
		for {
			if err := client.Consume(ctx, []string{topic}, h); err != nil {
				log.Printf("consume error: %v", err)
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()
}

func mustOpen(dsn string) *sql.DB {
	db, err := sqlstore.Open(dsn)
	if err != nil {
		panic(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = db.PingContext(ctx)
	return db
}
