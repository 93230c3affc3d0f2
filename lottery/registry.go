package lottery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"votecommit/models"
)

// MemoryRegistry keeps claimed tickets in process. It suits a single node.
type MemoryRegistry struct {
	claimed map[string]map[models.LotteryTicket]string
	mu      sync.RWMutex
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{claimed: make(map[string]map[models.LotteryTicket]string)}
}

func (m *MemoryRegistry) Claim(_ context.Context, electionID string, ticket models.LotteryTicket, holder string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tickets, ok := m.claimed[electionID]
	if !ok {
		tickets = make(map[models.LotteryTicket]string)
		m.claimed[electionID] = tickets
	}
	if _, taken := tickets[ticket]; taken {
		return false, nil
	}
	tickets[ticket] = holder
	return true, nil
}

func (m *MemoryRegistry) Release(_ context.Context, electionID string, ticket models.LotteryTicket, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.claimed[electionID][ticket] == holder {
		delete(m.claimed[electionID], ticket)
	}
	return nil
}

// Holder returns who claimed ticket in the election.
func (m *MemoryRegistry) Holder(electionID string, ticket models.LotteryTicket) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	holder, ok := m.claimed[electionID][ticket]
	return holder, ok
}

func (m *MemoryRegistry) Count(electionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.claimed[electionID])
}

// RedisClient is the subset of *redis.Client the registry needs.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// releaseScript deletes the key only while it still names the holder.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// RedisRegistry shares claimed tickets between nodes using SETNX.
type RedisRegistry struct {
	client RedisClient
	ttl    time.Duration
}

// NewRedisRegistry keeps claims for ttl. Zero keeps them forever.
func NewRedisRegistry(client RedisClient, ttl time.Duration) *RedisRegistry {
	return &RedisRegistry{client: client, ttl: ttl}
}

func (r *RedisRegistry) Claim(ctx context.Context, electionID string, ticket models.LotteryTicket, holder string) (bool, error) {
	ok, err := r.client.SetNX(ctx, ticketKey(electionID, ticket), holder, r.ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (r *RedisRegistry) Release(ctx context.Context, electionID string, ticket models.LotteryTicket, holder string) error {
	return r.client.Eval(ctx, releaseScript, []string{ticketKey(electionID, ticket)}, holder).Err()
}

func ticketKey(electionID string, ticket models.LotteryTicket) string {
	return fmt.Sprintf("lottery:%s:ticket:%s", electionID, ticket)
}

// NewRedisClient connects to addr and pings it once.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            addr,
		MaxRetries:      5,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
		PoolSize:        5,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}
