package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	unitReserved  = "reserved"
	unitProcessed = "processed"
)

// releaseScript deletes a key only while it still holds the reservation marker.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// GuardConfig controls how long unit ids are remembered.
type GuardConfig struct {
	// Window is how long a processed id suppresses replays.
	Window time.Duration
	// ReservationTTL bounds how long an in-flight id blocks copies if the
	// holder dies before finishing.
	ReservationTTL time.Duration
}

// UnitGuard shares the duplicate window across replicas.
type UnitGuard struct {
	client *Client
	logger *zap.Logger
	config GuardConfig
}

func NewUnitGuard(client *Client, logger *zap.Logger, config GuardConfig) *UnitGuard {
	if config.Window <= 0 {
		config.Window = time.Hour
	}
	if config.ReservationTTL <= 0 {
		config.ReservationTTL = 15 * time.Minute
	}
	return &UnitGuard{client: client, logger: logger, config: config}
}

func (g *UnitGuard) key(id string) string {
	return "relay:unit:" + id
}

// Reserve claims id with SET NX; false means another copy is in flight or done.
func (g *UnitGuard) Reserve(ctx context.Context, id string) (bool, error) {
	ok, err := g.client.rdb.SetNX(ctx, g.key(id), unitReserved, g.config.ReservationTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return ok, nil
}

// MarkProcessed replaces the reservation and restarts the window.
func (g *UnitGuard) MarkProcessed(ctx context.Context, id string) error {
	if err := g.client.rdb.Set(ctx, g.key(id), unitProcessed, g.config.Window).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Release drops an unfinished reservation so a redelivered copy is processed.
func (g *UnitGuard) Release(ctx context.Context, id string) error {
	if err := releaseScript.Run(ctx, g.client.rdb, []string{g.key(id)}, unitReserved).Err(); err != nil {
		return fmt.Errorf("redis release failed: %w", err)
	}
	return nil
}

// IsDuplicate reports whether id is reserved or processed.
func (g *UnitGuard) IsDuplicate(ctx context.Context, id string) (bool, error) {
	n, err := g.client.rdb.Exists(ctx, g.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists failed: %w", err)
	}
	return n > 0, nil
}
