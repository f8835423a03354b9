package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/Gobusters/ectologger"
	"github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/fern/pkg/tracing"
)

const DefaultDeferredSet = "fern:deferred-merges"

const memberSeparator = "|"

// DeferredMerge names a canonical contact whose duplicates were not all merged inline.
// DuplicateIDs are the contacts left behind; they travel beside the set member.
type DeferredMerge struct {
	TenantID     string
	CanonicalID  string
	DuplicateIDs []string
}

func (d DeferredMerge) Member() string {
	return d.TenantID + memberSeparator + d.CanonicalID
}

// ParseMember is the inverse of DeferredMerge.Member.
func ParseMember(member string) (DeferredMerge, error) {
	tenantID, canonicalID, ok := strings.Cut(member, memberSeparator)
	if !ok || tenantID == "" || canonicalID == "" {
		return DeferredMerge{}, fmt.Errorf("malformed deferred merge member %q", member)
	}
	return DeferredMerge{TenantID: tenantID, CanonicalID: canonicalID}, nil
}

// DeferredQueue is a Redis set of canonical contacts awaiting another merge
// pass. A set collapses repeated deferrals of the same canonical into one entry.
// Each entry's duplicate ids are kept in a companion set keyed by the member.
type DeferredQueue struct {
	client *Client
	key    string
	logger ectologger.Logger
}

func NewDeferredQueue(client *Client, key string, logger ectologger.Logger) *DeferredQueue {
	if key == "" {
		key = DefaultDeferredSet
	}
	return &DeferredQueue{
		client: client,
		key:    key,
		logger: logger,
	}
}

func (q *DeferredQueue) duplicatesKey(entry DeferredMerge) string {
	return q.key + ":" + entry.Member()
}

// Defer records canonicalID and the duplicates left behind for a later sweep.
func (q *DeferredQueue) Defer(ctx context.Context, tenantID, canonicalID string, duplicateIDs []string) error {
	ctx, span := tracing.StartSpan(ctx, "redis.DeferredQueue.Defer")
	defer span.End()

	entry := DeferredMerge{TenantID: tenantID, CanonicalID: canonicalID, DuplicateIDs: duplicateIDs}
	if err := q.add(ctx, entry); err != nil {
		return fmt.Errorf("failed to queue deferred merge: %w", err)
	}

	q.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":       tenantID,
		"canonical_id":    canonicalID,
		"duplicate_count": len(duplicateIDs),
	}).Info("Queued deferred merge")
	return nil
}

func (q *DeferredQueue) add(ctx context.Context, entries ...DeferredMerge) error {
	_, err := q.client.Redis().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, entry := range entries {
			if len(entry.DuplicateIDs) > 0 {
				ids := make([]any, len(entry.DuplicateIDs))
				for i, id := range entry.DuplicateIDs {
					ids[i] = id
				}
				pipe.SAdd(ctx, q.duplicatesKey(entry), ids...)
			}
			pipe.SAdd(ctx, q.key, entry.Member())
		}
		return nil
	})
	return err
}

// Pop removes and returns up to count entries. Malformed members are dropped.
func (q *DeferredQueue) Pop(ctx context.Context, count int) ([]DeferredMerge, error) {
	ctx, span := tracing.StartSpan(ctx, "redis.DeferredQueue.Pop")
	defer span.End()

	if count <= 0 {
		return nil, nil
	}

	members, err := q.client.Redis().SPopN(ctx, q.key, int64(count)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop deferred merges: %w", err)
	}

	entries := make([]DeferredMerge, 0, len(members))
	for _, member := range members {
		entry, err := ParseMember(member)
		if err != nil {
			q.logger.WithContext(ctx).WithError(err).Warn("Dropping malformed deferred merge")
			continue
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return entries, nil
	}

	pipe := q.client.Redis().TxPipeline()
	cmds := make([]*redis.StringSliceCmd, len(entries))
	for i, entry := range entries {
		cmds[i] = pipe.SMembers(ctx, q.duplicatesKey(entry))
		pipe.Del(ctx, q.duplicatesKey(entry))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		// the members are already popped; the sweeper can still re-locate from the canonical
		q.logger.WithContext(ctx).WithError(err).Warn("Failed to read deferred duplicate ids")
		return entries, nil
	}
	for i := range entries {
		ids := cmds[i].Val()
		if len(ids) == 0 {
			continue
		}
		slices.Sort(ids)
		entries[i].DuplicateIDs = ids
	}
	return entries, nil
}

// Requeue puts entries back for the next sweep.
func (q *DeferredQueue) Requeue(ctx context.Context, entries ...DeferredMerge) error {
	ctx, span := tracing.StartSpan(ctx, "redis.DeferredQueue.Requeue")
	defer span.End()

	if len(entries) == 0 {
		return nil
	}
	if err := q.add(ctx, entries...); err != nil {
		return fmt.Errorf("failed to requeue deferred merges: %w", err)
	}
	return nil
}

func (q *DeferredQueue) Len(ctx context.Context) (int64, error) {
	return q.client.Redis().SCard(ctx, q.key).Result()
}
