package credit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// acquireScript adds a lease id to the tenant's set only while the set is
// smaller than the grant: ARGV[1] as read from the quota source, lowered by
// the fence in KEYS[2] when one is set.
var acquireScript = redis.NewScript(`
local granted = tonumber(ARGV[1])
local fence = redis.call('GET', KEYS[2])
if fence and tonumber(fence) < granted then
  granted = tonumber(fence)
end
local held = redis.call('SCARD', KEYS[1])
if held >= granted then
  return {-held - 1, granted}
end
redis.call('SADD', KEYS[1], ARGV[2])
return {held + 1, granted}
`)

// setGrantScript records the fence ARGV[1] for ARGV[2] milliseconds unless
// the tenant already holds more leases.
var setGrantScript = redis.NewScript(`
local held = redis.call('SCARD', KEYS[1])
if held > tonumber(ARGV[1]) then
  return -held - 1
end
redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[2])
return held
`)

// RedisAllocator shares leases between orchestrator replicas through one
// Redis set per tenant.
type RedisAllocator struct {
	rdb    redis.UniversalClient
	quotas QuotaSource
	prefix string
}

func NewRedisAllocator(rdb redis.UniversalClient, quotas QuotaSource, prefix string) *RedisAllocator {
	if prefix == "" {
		prefix = "jurisbot"
	}
	return &RedisAllocator{rdb: rdb, quotas: quotas, prefix: prefix}
}

// The hash tag keeps both keys of a tenant in one cluster slot.
func (a *RedisAllocator) key(tenantID string) string {
	return fmt.Sprintf("%s:credits:{%s}", a.prefix, tenantID)
}

func (a *RedisAllocator) fenceKey(tenantID string) string {
	return fmt.Sprintf("%s:grant:{%s}", a.prefix, tenantID)
}

func (a *RedisAllocator) TryAcquire(ctx context.Context, tenantID string) (*Lease, error) {
	q, err := a.quotas.GetQuota(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	lease := newLease(tenantID)
	keys := []string{a.key(tenantID), a.fenceKey(tenantID)}
	res, err := acquireScript.Run(ctx, a.rdb, keys, q.Granted, lease.ID).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("acquire credit for %s: %w", tenantID, err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("acquire credit for %s: unexpected reply %v", tenantID, res)
	}
	if n := res[0]; n < 0 {
		return nil, exhausted(tenantID, int(-n-1), int(res[1]))
	}
	return lease, nil
}

func (a *RedisAllocator) Release(ctx context.Context, lease *Lease) error {
	if lease == nil || lease.Released() {
		return nil
	}
	if err := a.rdb.SRem(ctx, a.key(lease.TenantID), lease.ID).Err(); err != nil {
		return fmt.Errorf("release credit %s: %w", lease.ID, err)
	}
	lease.released.Store(true)
	return nil
}

func (a *RedisAllocator) Consumed(ctx context.Context, tenantID string) (int, error) {
	n, err := a.rdb.SCard(ctx, a.key(tenantID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count credits of %s: %w", tenantID, err)
	}
	return int(n), nil
}

func (a *RedisAllocator) Holds(ctx context.Context, lease *Lease) (bool, error) {
	if lease == nil {
		return false, nil
	}
	ok, err := a.rdb.SIsMember(ctx, a.key(lease.TenantID), lease.ID).Result()
	if err != nil {
		return false, fmt.Errorf("check credit %s: %w", lease.ID, err)
	}
	return ok, nil
}

func (a *RedisAllocator) SetGrant(ctx context.Context, tenantID string, granted int) error {
	keys := []string{a.key(tenantID), a.fenceKey(tenantID)}
	n, err := setGrantScript.Run(ctx, a.rdb, keys, granted, GrantFence.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("set grant for %s: %w", tenantID, err)
	}
	if n < 0 {
		return belowConsumed(tenantID, -n-1, granted)
	}
	return nil
}
