package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisScheduler keeps pending jobs in a sorted set scored by run time.
// Workers claim a job by removing it from the set, so each job runs once
// even with several workers polling.
type RedisScheduler struct {
	client    *redis.Client
	key       string
	registry  *Registry
	pollEvery time.Duration
	batch     int64
	logger    *slog.Logger
}

func NewRedisScheduler(client *redis.Client, key string, registry *Registry, pollEvery time.Duration) *RedisScheduler {
	if pollEvery <= 0 {
		pollEvery = time.Second
	}
	return &RedisScheduler{
		client:    client,
		key:       key,
		registry:  registry,
		pollEvery: pollEvery,
		batch:     20,
		logger:    slog.Default().With("component", "jobs", "queue", key),
	}
}

// ConnectRedis parses a redis:// URL and checks the server answers.
func ConnectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return client, nil
}

func (s *RedisScheduler) Schedule(ctx context.Context, name string, payload any, delay time.Duration) (string, error) {
	job, err := newJob(name, payload, time.Now().Add(delay))
	if err != nil {
		return "", err
	}
	member, err := json.Marshal(job)
	if err != nil {
		return "", err
	}

	err = s.client.ZAdd(ctx, s.key, redis.Z{
		Score:  float64(job.RunAt.UnixMilli()),
		Member: member,
	}).Err()
	if err != nil {
		return "", fmt.Errorf("queueing job %s: %w", name, err)
	}

	s.logger.Info("job scheduled", "job", name, "id", job.ID, "run_at", job.RunAt)
	return job.ID, nil
}

// Run polls for due jobs until ctx is cancelled.
func (s *RedisScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.pollEvery)
	defer ticker.Stop()

	for {
		if _, err := s.RunDue(ctx, time.Now()); err != nil {
			s.logger.Error("polling job queue", "err", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunDue runs every job due at now and returns how many ran.
func (s *RedisScheduler) RunDue(ctx context.Context, now time.Time) (int, error) {
	members, err := s.client.ZRangeByScore(ctx, s.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: s.batch,
	}).Result()
	if err != nil {
		return 0, err
	}

	ran := 0
	for _, member := range members {
		removed, err := s.client.ZRem(ctx, s.key, member).Result()
		if err != nil {
			return ran, err
		}
		if removed == 0 {
			// another worker claimed it
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			s.logger.Error("dropping undecodable job", "err", err)
			continue
		}

		if err := s.registry.Run(ctx, job); err != nil {
			s.logger.Error("job failed", "job", job.Name, "id", job.ID, "err", err)
			continue
		}
		ran++
	}
	return ran, nil
}

// Pending returns the number of queued jobs.
func (s *RedisScheduler) Pending(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, s.key).Result()
}
