package hotstate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sendhub/internal/apperr"
	"sendhub/internal/breaker"
	"sendhub/internal/persistence"
)

// RecipientState is the per-recipient value held in the batch hash.
type RecipientState struct {
	Status            string `json:"status"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	ErrorMessage      string `json:"error_message,omitempty"`
	SentAt            int64  `json:"sent_at,omitempty"`
}

func (s RecipientState) Terminal() bool {
	switch s.Status {
	case "sent", "failed", "bounced", "complained":
		return true
	}
	return false
}

// Result is one recipient outcome to record.
type Result struct {
	RecipientID       string
	Success           bool
	ProviderMessageID string
	ErrorMessage      string
}

// Totals reports counter movement from a record call plus the running sums.
type Totals struct {
	NewSent     int
	NewFailed   int
	TotalSent   int
	TotalFailed int
}

type Stats struct {
	Sent   int
	Failed int
	Total  int
}

const dirtySetKey = "hotstate:dirty"

// initScript seeds pending recipient states and zero counters without
// clobbering anything already present, so re-running it is a no-op.
var initScript = redis.NewScript(`
local recipients = KEYS[1]
local counters = KEYS[2]
local ttl = tonumber(ARGV[1])
for i = 2, #ARGV do
  redis.call('HSETNX', recipients, ARGV[i], '{"status":"pending"}')
end
redis.call('HSETNX', counters, 'sent', 0)
redis.call('HSETNX', counters, 'failed', 0)
redis.call('PEXPIRE', recipients, ttl)
redis.call('PEXPIRE', counters, ttl)
return redis.status_reply('OK')
`)

// recordScript writes terminal states and bumps counters in one atomic step.
// Recipients already terminal are skipped, which is what makes redelivered
// chunks safe. ARGV: ttl, batch dirty member, then triples of
// (recipientId, stateJSON, counterField-or-empty).
var recordScript = redis.NewScript(`
local recipients = KEYS[1]
local counters = KEYS[2]
local dirty = KEYS[3]
local ttl = tonumber(ARGV[1])
local member = ARGV[2]
local new_sent = 0
local new_failed = 0
for i = 3, #ARGV, 3 do
  local id = ARGV[i]
  local state = ARGV[i+1]
  local field = ARGV[i+2]
  local cur = redis.call('HGET', recipients, id)
  local terminal = false
  if cur then
    local decoded = cjson.decode(cur)
    local st = decoded['status']
    if st == 'sent' or st == 'failed' or st == 'bounced' or st == 'complained' then
      terminal = true
    end
  end
  if not terminal then
    redis.call('HSET', recipients, id, state)
    if field == 'sent' then
      new_sent = new_sent + 1
    elseif field == 'failed' then
      new_failed = new_failed + 1
    end
  end
end
if new_sent > 0 then redis.call('HINCRBY', counters, 'sent', new_sent) end
if new_failed > 0 then redis.call('HINCRBY', counters, 'failed', new_failed) end
if new_sent > 0 or new_failed > 0 then redis.call('SADD', dirty, member) end
redis.call('PEXPIRE', recipients, ttl)
redis.call('PEXPIRE', counters, ttl)
local total_sent = tonumber(redis.call('HGET', counters, 'sent') or '0')
local total_failed = tonumber(redis.call('HGET', counters, 'failed') or '0')
return {new_sent, new_failed, total_sent, total_failed}
`)

// Store holds per-batch recipient state and counters in Redis. Every call
// flows through a sliding-window circuit breaker; when the breaker is open
// callers get HotStateUnavailable and must NAK rather than guess.
type Store struct {
	rdb    *persistence.RedisClient
	logger *zap.Logger
	br     *breaker.Breaker

	activeTTL    time.Duration
	completedTTL time.Duration
}

func NewStore(rdb *persistence.RedisClient, logger *zap.Logger, br *breaker.Breaker, activeTTL, completedTTL time.Duration) *Store {
	return &Store{
		rdb:          rdb,
		logger:       logger,
		br:           br,
		activeTTL:    activeTTL,
		completedTTL: completedTTL,
	}
}

func recipientsKey(batchID string) string { return "batch:" + batchID + ":recipients" }
func countersKey(batchID string) string   { return "batch:" + batchID + ":counters" }

// guard runs fn under the breaker and translates failures into the
// HotStateUnavailable kind.
func (s *Store) guard(op string, fn func() error) error {
	err := s.br.Do(fn)
	if err == nil {
		return nil
	}
	if err == breaker.ErrOpen {
		return apperr.New(apperr.HotStateUnavailable, "hot state circuit open", err)
	}
	return apperr.New(apperr.HotStateUnavailable, fmt.Sprintf("hot state %s failed", op), err)
}

// InitializeBatch seeds pending state for every recipient. Idempotent.
func (s *Store) InitializeBatch(ctx context.Context, batchID string, recipientIDs []string) error {
	if len(recipientIDs) == 0 {
		return nil
	}

	return s.guard("init", func() error {
		// Large batches are seeded in slabs to keep script argv bounded.
		const slab = 5000
		for start := 0; start < len(recipientIDs); start += slab {
			end := start + slab
			if end > len(recipientIDs) {
				end = len(recipientIDs)
			}
			argv := make([]interface{}, 0, end-start+1)
			argv = append(argv, s.activeTTL.Milliseconds())
			for _, id := range recipientIDs[start:end] {
				argv = append(argv, id)
			}
			keys := []string{recipientsKey(batchID), countersKey(batchID)}
			if err := initScript.Run(ctx, s.rdb, keys, argv...).Err(); err != nil {
				return err
			}
		}
		return nil
	})
}

// CheckProcessedBatch returns current hot state for the ids that are already
// terminal. Ids with no entry or non-terminal state are absent from the map.
func (s *Store) CheckProcessedBatch(ctx context.Context, batchID string, ids []string) (map[string]RecipientState, error) {
	if len(ids) == 0 {
		return map[string]RecipientState{}, nil
	}

	out := make(map[string]RecipientState, len(ids))
	err := s.guard("check", func() error {
		vals, err := s.rdb.HMGet(ctx, recipientsKey(batchID), ids...).Result()
		if err != nil {
			return err
		}
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				continue
			}
			var st RecipientState
			if err := json.Unmarshal([]byte(str), &st); err != nil {
				continue
			}
			if st.Terminal() {
				out[ids[i]] = st
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecordResultsBatch atomically moves recipients to terminal status and bumps
// counters. Recipients already terminal are skipped, so re-recording on
// redelivery reports zero new work.
func (s *Store) RecordResultsBatch(ctx context.Context, batchID string, results []Result) (Totals, error) {
	var totals Totals
	if len(results) == 0 {
		return totals, nil
	}

	now := time.Now().UnixMilli()
	argv := make([]interface{}, 0, len(results)*3+2)
	argv = append(argv, s.activeTTL.Milliseconds(), batchID)
	for _, r := range results {
		st := RecipientState{}
		var field string
		if r.Success {
			st.Status = "sent"
			st.ProviderMessageID = r.ProviderMessageID
			st.SentAt = now
			field = "sent"
		} else {
			st.Status = "failed"
			st.ErrorMessage = r.ErrorMessage
			field = "failed"
		}
		encoded, err := json.Marshal(st)
		if err != nil {
			return totals, fmt.Errorf("failed to encode recipient state: %w", err)
		}
		argv = append(argv, r.RecipientID, string(encoded), field)
	}

	err := s.guard("record", func() error {
		keys := []string{recipientsKey(batchID), countersKey(batchID), dirtySetKey}
		vals, err := recordScript.Run(ctx, s.rdb, keys, argv...).Int64Slice()
		if err != nil {
			return err
		}
		if len(vals) != 4 {
			return fmt.Errorf("unexpected record script reply of length %d", len(vals))
		}
		totals = Totals{
			NewSent:     int(vals[0]),
			NewFailed:   int(vals[1]),
			TotalSent:   int(vals[2]),
			TotalFailed: int(vals[3]),
		}
		return nil
	})
	return totals, err
}

func (s *Store) GetRecipientState(ctx context.Context, batchID, recipientID string) (*RecipientState, error) {
	var st *RecipientState
	err := s.guard("get", func() error {
		val, err := s.rdb.HGet(ctx, recipientsKey(batchID), recipientID).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		var decoded RecipientState
		if err := json.Unmarshal([]byte(val), &decoded); err != nil {
			return err
		}
		st = &decoded
		return nil
	})
	return st, err
}

func (s *Store) GetBatchStats(ctx context.Context, batchID string) (Stats, error) {
	var stats Stats
	err := s.guard("stats", func() error {
		pipe := s.rdb.Pipeline()
		counters := pipe.HGetAll(ctx, countersKey(batchID))
		total := pipe.HLen(ctx, recipientsKey(batchID))
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return err
		}

		vals := counters.Val()
		fmt.Sscanf(vals["sent"], "%d", &stats.Sent)
		fmt.Sscanf(vals["failed"], "%d", &stats.Failed)
		stats.Total = int(total.Val())
		return nil
	})
	return stats, err
}

// RecipientStates returns the full hash for a batch; used by the syncer.
func (s *Store) RecipientStates(ctx context.Context, batchID string) (map[string]RecipientState, error) {
	out := make(map[string]RecipientState)
	err := s.guard("states", func() error {
		vals, err := s.rdb.HGetAll(ctx, recipientsKey(batchID)).Result()
		if err != nil {
			return err
		}
		for id, raw := range vals {
			var st RecipientState
			if err := json.Unmarshal([]byte(raw), &st); err != nil {
				continue
			}
			out[id] = st
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkCompleted shortens the TTLs once a batch reaches a terminal state and
// drops it from the dirty set after the final sync.
func (s *Store) MarkCompleted(ctx context.Context, batchID string) error {
	return s.guard("complete", func() error {
		pipe := s.rdb.Pipeline()
		pipe.PExpire(ctx, recipientsKey(batchID), s.completedTTL)
		pipe.PExpire(ctx, countersKey(batchID), s.completedTTL)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// DirtyBatches pops the set of batches with unsynced deltas. Mutations that
// land after the pop re-add their batch, so nothing is lost.
func (s *Store) DirtyBatches(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.guard("dirty", func() error {
		members, err := s.rdb.SMembers(ctx, dirtySetKey).Result()
		if err != nil {
			return err
		}
		if len(members) == 0 {
			return nil
		}
		if err := s.rdb.SRem(ctx, dirtySetKey, toAny(members)...).Err(); err != nil {
			return err
		}
		ids = members
		return nil
	})
	return ids, err
}

// RequeueDirty re-adds a batch to the dirty set after a failed sync.
func (s *Store) RequeueDirty(ctx context.Context, batchID string) error {
	return s.guard("requeue-dirty", func() error {
		return s.rdb.SAdd(ctx, dirtySetKey, batchID).Err()
	})
}

// IndexProviderMessage maps a provider message id back to its batch and
// recipient for inbound webhook correlation.
func (s *Store) IndexProviderMessage(ctx context.Context, providerMessageID, batchID, recipientID string) error {
	return s.guard("index", func() error {
		return s.rdb.Set(ctx, "msgidx:"+providerMessageID, batchID+":"+recipientID, s.completedTTL).Err()
	})
}

func (s *Store) LookupProviderMessage(ctx context.Context, providerMessageID string) (batchID, recipientID string, err error) {
	err = s.guard("lookup", func() error {
		val, err := s.rdb.Get(ctx, "msgidx:"+providerMessageID).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		for i := 0; i < len(val); i++ {
			if val[i] == ':' {
				batchID, recipientID = val[:i], val[i+1:]
				return nil
			}
		}
		return nil
	})
	return batchID, recipientID, err
}

// CircuitState exposes the breaker for observability endpoints.
func (s *Store) CircuitState() breaker.Snapshot {
	return s.br.State()
}

func (s *Store) Health(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func toAny(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
