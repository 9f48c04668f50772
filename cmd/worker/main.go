package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/ollama-relay/internal/bootstrap"
	"github.com/suPer8Hu/ollama-relay/internal/chat"
	"github.com/suPer8Hu/ollama-relay/internal/config"
	"github.com/suPer8Hu/ollama-relay/internal/store/rabbitmq"
)

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

func main() {
	cfg := config.Load()
	if cfg.RabbitURL == "" || cfg.DBDSN == "" {
		log.Fatalf("worker needs RABBIT_URL and DB_DSN")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}
	defer deps.Close()
	svc := deps.Service

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		log.Fatalf("queue declare: %v", err)
	}

	concurrency := workerConcurrency()
	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatalf("qos: %v", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	log.Printf("worker started, queue=%s concurrency=%d", cfg.RabbitQueue, concurrency)

	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				handleDelivery(ctx, svc, workerID, d)
			}
		}(i)
	}

	for {
		select {
		case <-ctx.Done():
			log.Printf("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Printf("delivery channel closed")
				close(jobs)
				wg.Wait()
				return
			}
			jobs <- d
		}
	}
}

// handleDelivery acks finished jobs, including failed ones whose error is
// recorded on the row. Interrupted jobs are requeued. Unreadable messages and
// jobs whose outcome could not be recorded go to the DLQ.
func handleDelivery(ctx context.Context, svc *chat.Service, workerID int, d amqp.Delivery) {
	jobID, ok := rabbitmq.DecodeJob(d.Body)
	if !ok {
		log.Printf("worker=%d bad message body=%q", workerID, d.Body)
		_ = d.Nack(false, false)
		return
	}

	start := time.Now()
	err := svc.RunJob(ctx, jobID)
	switch {
	case errors.Is(err, chat.ErrJobInterrupted):
		log.Printf("worker=%d job=%s interrupted, requeueing", workerID, jobID)
		if nackErr := d.Nack(false, true); nackErr != nil {
			log.Printf("worker=%d nack failed job=%s err=%v", workerID, jobID, nackErr)
		}
		return
	case errors.Is(err, chat.ErrJobNotRecorded):
		log.Printf("worker=%d job=%s outcome lost, dead-lettering err=%v", workerID, jobID, err)
		if nackErr := d.Nack(false, false); nackErr != nil {
			log.Printf("worker=%d nack failed job=%s err=%v", workerID, jobID, nackErr)
		}
		return
	case err != nil:
		log.Printf("worker=%d job=%s failed cost=%s err=%v", workerID, jobID, time.Since(start), err)
	default:
		if cost := time.Since(start); cost > 2*time.Second {
			log.Printf("job_timing job=%s total=%s", jobID, cost)
		}
	}

	if err := d.Ack(false); err != nil {
		log.Printf("worker=%d ack failed job=%s err=%v", workerID, jobID, err)
	}
}
