package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/resumevault/backend/internal/logging"
	"github.com/resumevault/backend/internal/models"
)

// incrementScript runs the capped increment atomically inside redis. Both keys carry
// the same {video} hash tag, so the script stays on one cluster slot.
//
// KEYS[1] pair hash, KEYS[2] viewers-of-video set.
// ARGV: cap, application field prefix, now (unix micros), viewer id.
// Returns the new count, or -1 when the cap is already reached.
var incrementScript = redis.NewScript(`
local count = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
local cap = tonumber(ARGV[1])
if count >= cap then
  return -1
end
count = redis.call('HINCRBY', KEYS[1], 'count', 1)
redis.call('HSETNX', KEYS[1], 'first', ARGV[3])
redis.call('HSET', KEYS[1], 'last', ARGV[3])
local app = ARGV[2]
redis.call('HINCRBY', KEYS[1], app .. ':count', 1)
redis.call('HSETNX', KEYS[1], app .. ':first', ARGV[3])
redis.call('HSET', KEYS[1], app .. ':last', ARGV[3])
redis.call('SADD', KEYS[2], ARGV[4])
return count
`)

const appFieldPrefix = "app:"

// RedisLedger implements Ledger on redis. Each (video, viewer) pair lives in one hash
// so the Lua script touches a single logical record. Ids are hex-encoded inside keys
// and hash fields, so no id can collide with another pair's key.
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

var hashTagBraces = strings.NewReplacer("{", "", "}", "")

// NewRedisLedger constructs a ledger whose keys are namespaced by prefix.
func NewRedisLedger(client redis.UniversalClient, prefix string) *RedisLedger {
	prefix = strings.TrimSuffix(hashTagBraces.Replace(prefix), ":")
	if prefix == "" {
		prefix = "resumevault"
	}
	return &RedisLedger{client: client, prefix: prefix, now: time.Now}
}

func encodeID(id string) string {
	return hex.EncodeToString([]byte(id))
}

func (l *RedisLedger) videoKey(videoID, suffix string) string {
	return l.prefix + ":ledger:{" + encodeID(videoID) + "}:" + suffix
}

func (l *RedisLedger) pairKey(videoID, viewerID string) string {
	return l.videoKey(videoID, "pair:"+encodeID(viewerID))
}

func (l *RedisLedger) viewersKey(videoID string) string {
	return l.videoKey(videoID, "viewers")
}

func (l *RedisLedger) exhaustedKey() string {
	return l.prefix + ":ledger:{index}:exhausted"
}

func (l *RedisLedger) reclaimedKey() string {
	return l.prefix + ":ledger:{index}:reclaimed"
}

func appField(applicationID string) string {
	return appFieldPrefix + encodeID(applicationID)
}

// Count returns the pair-level view count.
func (l *RedisLedger) Count(ctx context.Context, videoID, viewerID string) (int, error) {
	count, err := l.client.HGet(ctx, l.pairKey(videoID, viewerID), "count").Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("redis get view count: %w: %w", ErrTransient, err)
	}
	return count, nil
}

// IncrementIfBelowCap bumps the pair counter via a Lua script. The exhausting view
// also adds the video to the exhausted index; that write is best-effort because the
// sweeper also finds the video through its exhausted asset state.
func (l *RedisLedger) IncrementIfBelowCap(ctx context.Context, key models.ViewKey, cap int) (Increment, error) {
	if err := validateKey(key); err != nil {
		return Increment{}, err
	}
	if cap < 1 {
		return Increment{}, ErrInvalidCap
	}

	keys := []string{l.pairKey(key.VideoID, key.ViewerID), l.viewersKey(key.VideoID)}
	newCount, err := incrementScript.Run(ctx, l.client, keys,
		cap, appField(key.ApplicationID), l.now().UTC().UnixMicro(), key.ViewerID,
	).Int()
	if err != nil {
		return Increment{}, fmt.Errorf("redis increment view count: %w: %w", ErrTransient, err)
	}
	if newCount < 0 {
		return Increment{}, ErrLimitExceeded
	}

	inc := exhausting(newCount, cap)
	if inc.WasExhaustingView {
		if err := l.indexExhausted(ctx, key.VideoID); err != nil {
			logging.FromContext(ctx).Warn("index exhausted video", "video_id", key.VideoID, "error", err)
		}
	}
	return inc, nil
}

func (l *RedisLedger) indexExhausted(ctx context.Context, videoID string) error {
	pipe := l.client.TxPipeline()
	pipe.SAdd(ctx, l.exhaustedKey(), videoID)
	pipe.SRem(ctx, l.reclaimedKey(), videoID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis index exhausted video: %w: %w", ErrTransient, err)
	}
	return nil
}

// Record returns the per-application audit row.
func (l *RedisLedger) Record(ctx context.Context, key models.ViewKey) (models.ViewRecord, error) {
	app := appField(key.ApplicationID)
	values, err := l.client.HMGet(ctx, l.pairKey(key.VideoID, key.ViewerID), app+":count", app+":first", app+":last").Result()
	if err != nil {
		return models.ViewRecord{}, fmt.Errorf("redis get view record: %w: %w", ErrTransient, err)
	}

	rec := models.ViewRecord{ViewKey: key}
	rec.Count = parseInt(values[0])
	rec.FirstViewedAt = parseMicros(values[1])
	rec.LastViewedAt = parseMicros(values[2])
	return rec, nil
}

// Stats aggregates counts for one video.
func (l *RedisLedger) Stats(ctx context.Context, videoID string, cap int) (models.ViewStats, error) {
	viewers, err := l.client.SMembers(ctx, l.viewersKey(videoID)).Result()
	if err != nil {
		return models.ViewStats{}, fmt.Errorf("redis list viewers: %w: %w", ErrTransient, err)
	}

	stats := models.ViewStats{VideoID: videoID}
	apps := make(map[string]struct{})
	for _, viewerID := range viewers {
		fields, err := l.client.HGetAll(ctx, l.pairKey(videoID, viewerID)).Result()
		if err != nil {
			return models.ViewStats{}, fmt.Errorf("redis read pair: %w: %w", ErrTransient, err)
		}
		count := parseInt(fields["count"])
		if count == 0 {
			continue
		}
		stats.UniqueViewers++
		stats.TotalViews += count
		if count >= cap {
			stats.ViewersExhausted++
		}
		last := parseMicros(fields["last"])
		if !last.IsZero() && (stats.LastViewedAt == nil || last.After(*stats.LastViewedAt)) {
			stats.LastViewedAt = &last
		}
		for field, value := range fields {
			if strings.HasPrefix(field, appFieldPrefix) && strings.HasSuffix(field, ":count") && parseInt(value) > 0 {
				apps[strings.TrimSuffix(field, ":count")] = struct{}{}
			}
		}
	}
	stats.ApplicationsWithViews = len(apps)

	return stats, nil
}

// ExhaustedVideos lists videos recorded as exhausted and not yet reclaimed. The set
// is maintained at increment time, so a cap raised later re-checks each pair.
func (l *RedisLedger) ExhaustedVideos(ctx context.Context, cap int) ([]string, error) {
	candidates, err := l.client.SDiff(ctx, l.exhaustedKey(), l.reclaimedKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list exhausted videos: %w: %w", ErrTransient, err)
	}

	var ids []string
	for _, videoID := range candidates {
		viewers, err := l.client.SMembers(ctx, l.viewersKey(videoID)).Result()
		if err != nil {
			return nil, fmt.Errorf("redis list viewers: %w: %w", ErrTransient, err)
		}
		for _, viewerID := range viewers {
			count, err := l.Count(ctx, videoID, viewerID)
			if err != nil {
				return nil, err
			}
			if count >= cap {
				ids = append(ids, videoID)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// MarkReclaimed moves the video from the exhausted set to the reclaimed set.
func (l *RedisLedger) MarkReclaimed(ctx context.Context, videoID string) error {
	pipe := l.client.TxPipeline()
	pipe.SAdd(ctx, l.reclaimedKey(), videoID)
	pipe.SRem(ctx, l.exhaustedKey(), videoID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis mark reclaimed: %w: %w", ErrTransient, err)
	}
	return nil
}

func parseInt(v any) int {
	s, ok := v.(string)
	if !ok || s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func parseMicros(v any) time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMicro(n).UTC()
}

var _ Ledger = (*RedisLedger)(nil)
