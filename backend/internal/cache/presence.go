package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache tracks which editors currently have a record day open.
type PresenceCache interface {
	AddMember(ctx context.Context, recordDayID, subscriberID, username string, ttl time.Duration) error
	RemoveMember(ctx context.Context, recordDayID, subscriberID string) error
	GetAliveMembers(ctx context.Context, recordDayID string) ([]PresenceMember, error)
}

type PresenceMember struct {
	SubscriberID string `json:"subscriberId"`
	Username     string `json:"username"`
}

type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

// Expired members are dropped from both keys in one step.
// KEYS[1] = roomKey, KEYS[2] = namesKey, ARGV[1] = now (unix seconds)
var pruneScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// AddMember also refreshes the TTL of a member that is already present.
func (p *redisPresence) AddMember(ctx context.Context, recordDayID, subscriberID, username string, ttl time.Duration) error {
	expireAt := time.Now().Add(ttl).Unix()
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(recordDayID), redis.Z{Score: float64(expireAt), Member: subscriberID})
	tx.HSet(ctx, namesKey(recordDayID), subscriberID, username)
	if _, err := tx.Exec(ctx); err != nil {
		return fmt.Errorf("add presence member: %w", err)
	}
	return nil
}

func (p *redisPresence) RemoveMember(ctx context.Context, recordDayID, subscriberID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(recordDayID), subscriberID)
	tx.HDel(ctx, namesKey(recordDayID), subscriberID)
	if _, err := tx.Exec(ctx); err != nil {
		return fmt.Errorf("remove presence member: %w", err)
	}
	return nil
}

func (p *redisPresence) GetAliveMembers(ctx context.Context, recordDayID string) ([]PresenceMember, error) {
	now := time.Now().Unix()

	// step1: prune expired members
	err := pruneScript.Run(ctx, p.rdb, []string{roomKey(recordDayID), namesKey(recordDayID)}, now).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("prune presence: %w", err)
	}

	// step2: members whose expireAt is still in the future
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(recordDayID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	// step3: names in one round trip
	names, err := p.rdb.HMGet(ctx, namesKey(recordDayID), aliveIDs...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("presence names: %w", err)
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, v := range names {
		name := ""
		if v != nil {
			name, _ = v.(string)
		}
		members = append(members, PresenceMember{SubscriberID: aliveIDs[i], Username: name})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Username < members[j].Username })
	return members, nil
}
