package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"meganode/internal/ids"
	"meganode/pkg/logger"
)

const (
	cloudKeyPrefix        = "channel_monitors:"
	cloudArchiveKeyPrefix = "channel_monitors_archive:"
)

// putIfGreaterScript enforces the same "a lower update_id never
// overwrites a higher one" invariant RemoteStore's SQL WHERE clause
// gives for free, but Redis HSET has no such conditional form —
// generalized from the teacher's SetNX compare-and-set pattern
// (pkg/cache/redis.go) into a small Lua script for this read-modify-write.
const putIfGreaterScript = `
local existing = redis.call('HGET', KEYS[1], 'update_id')
if existing and tonumber(existing) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'update_id', ARGV[1], 'blob', ARGV[2])
return 1
`

// CloudStore is the per-user, end-user-controlled half of the
// dual-write backend (spec §4.5): a fast ephemeral cache, the
// counterpart to RemoteStore's durable SQL state.
type CloudStore struct {
	client *redis.Client
	script *redis.Script
}

// NewCloudStore wraps an already-connected client.
func NewCloudStore(client *redis.Client) *CloudStore {
	return &CloudStore{client: client, script: redis.NewScript(putIfGreaterScript)}
}

func (s *CloudStore) Put(ctx context.Context, rec MonitorRecord) error {
	key := cloudKeyPrefix + rec.Txo.String()
	if err := s.script.Run(ctx, s.client, []string{key}, rec.UpdateID, rec.Blob).Err(); err != nil {
		logger.Error("cloud store: put failed", zap.String("txo", rec.Txo.String()), zap.Error(err))
		return fmt.Errorf("cloud store: put %s: %w", rec.Txo, err)
	}
	return nil
}

func (s *CloudStore) Get(ctx context.Context, txo ids.LxOutPoint) (MonitorRecord, bool, error) {
	key := cloudKeyPrefix + txo.String()
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return MonitorRecord{}, false, fmt.Errorf("cloud store: get %s: %w", txo, err)
	}
	if len(vals) == 0 {
		return MonitorRecord{}, false, nil
	}
	return recordFromHash(txo, vals)
}

func (s *CloudStore) List(ctx context.Context) ([]MonitorRecord, error) {
	var out []MonitorRecord
	iter := s.client.Scan(ctx, 0, cloudKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		txo, err := ids.ParseLxOutPoint(key[len(cloudKeyPrefix):])
		if err != nil {
			return nil, fmt.Errorf("cloud store: list: %w", err)
		}
		vals, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("cloud store: list: read %s: %w", key, err)
		}
		rec, ok, err := recordFromHash(txo, vals)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("cloud store: list: scan: %w", err)
	}
	return out, nil
}

func (s *CloudStore) Delete(ctx context.Context, txo ids.LxOutPoint) error {
	if err := s.client.Del(ctx, cloudKeyPrefix+txo.String()).Err(); err != nil {
		return fmt.Errorf("cloud store: delete %s: %w", txo, err)
	}
	return nil
}

func (s *CloudStore) PutArchive(ctx context.Context, rec MonitorRecord) error {
	key := cloudArchiveKeyPrefix + rec.Txo.String()
	err := s.client.HSet(ctx, key, "update_id", rec.UpdateID, "blob", rec.Blob).Err()
	if err != nil {
		return fmt.Errorf("cloud store: archive %s: %w", rec.Txo, err)
	}
	return nil
}

func recordFromHash(txo ids.LxOutPoint, vals map[string]string) (MonitorRecord, bool, error) {
	updateIDStr, ok := vals["update_id"]
	if !ok {
		return MonitorRecord{}, false, nil
	}
	blob, ok := vals["blob"]
	if !ok {
		return MonitorRecord{}, false, nil
	}
	var updateID uint64
	if _, err := fmt.Sscanf(updateIDStr, "%d", &updateID); err != nil {
		return MonitorRecord{}, false, fmt.Errorf("cloud store: malformed update_id for %s: %w", txo, err)
	}
	return MonitorRecord{Txo: txo, UpdateID: updateID, Blob: []byte(blob)}, true, nil
}
