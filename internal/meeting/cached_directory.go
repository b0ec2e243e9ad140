package meeting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weiawesome/meeting-sync/internal/domain"
	pkglog "github.com/weiawesome/meeting-sync/pkg/log"
)

// CachedDirectory remembers access decisions in Redis. Unknown rooms are not
// cached, so a meeting registered later is picked up right away.
type CachedDirectory struct {
	next   Directory
	client *redis.Client
	ttl    time.Duration
}

// NewCachedDirectory wraps next with a Redis cache keeping decisions for ttl.
func NewCachedDirectory(next Directory, client *redis.Client, ttl time.Duration) *CachedDirectory {
	return &CachedDirectory{next: next, client: client, ttl: ttl}
}

func accessKey(room string, id domain.Identity) string {
	who := id.Email
	if id.Anonymous || who == "" {
		who = id.UserID
	}
	return fmt.Sprintf("meeting_access:%s:%s", room, who)
}

func (d *CachedDirectory) CanJoin(ctx context.Context, room string, id domain.Identity) (bool, error) {
	key := accessKey(room, id)
	l := pkglog.Ctx(ctx)

	v, err := d.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		return v == "1", nil
	case !errors.Is(err, redis.Nil):
		l.Warn().Err(err).Str("key", key).Msg("access cache read failed")
	}

	ok, err := d.next.CanJoin(ctx, room, id)
	if err != nil {
		return false, err
	}

	val := "0"
	if ok {
		val = "1"
	}
	if err := d.client.Set(ctx, key, val, d.ttl).Err(); err != nil {
		l.Warn().Err(err).Str("key", key).Msg("access cache write failed")
	}
	return ok, nil
}
