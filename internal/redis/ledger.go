package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-chart-flow/internal/capacity"
	"github.com/ramiqadoumi/go-chart-flow/internal/domain"
)

// All ledger keys share the {capacity} hash tag so multi-key scripts stay
// in one cluster slot.
const ledgerPrefix = "{capacity}:"

func ledgerKey(k capacity.Key) string { return ledgerPrefix + string(k.Scope) + ":" + k.ID }

func parseLedgerKey(s string) (capacity.Key, bool) {
	scope, id, ok := strings.Cut(strings.TrimPrefix(s, ledgerPrefix), ":")
	k := capacity.Key{Scope: capacity.Scope(scope), ID: id}
	if !ok || !strings.HasPrefix(s, ledgerPrefix) || capacity.ValidateKey(k) != nil {
		return capacity.Key{}, false
	}
	return k, true
}

// Script status codes shared by the ledger scripts.
const (
	codeOK       = 1
	codeExceeded = 0
	codeMissing  = -1
	codeNegative = -2
)

// reserveScript checks every key first and increments only when all fit.
// KEYS = entries, ARGV = units per entry.
// Returns {1} | {-1, idx} | {0, idx, used, total}.
var reserveScript = redis.NewScript(`
for i, k in ipairs(KEYS) do
	if redis.call("EXISTS", k) == 0 then
		return {-1, i}
	end
	local used = tonumber(redis.call("HGET", k, "used") or "0")
	local total = tonumber(redis.call("HGET", k, "total") or "0")
	if used + tonumber(ARGV[i]) > total then
		return {0, i, used, total}
	end
end
for i, k in ipairs(KEYS) do
	redis.call("HINCRBY", k, "used", ARGV[i])
end
return {1}
`)

// releaseScript mirrors reserveScript and refuses to drive usage negative.
// Returns {1} | {-1, idx} | {-2, idx, used}.
var releaseScript = redis.NewScript(`
for i, k in ipairs(KEYS) do
	if redis.call("EXISTS", k) == 0 then
		return {-1, i}
	end
	local used = tonumber(redis.call("HGET", k, "used") or "0")
	if used - tonumber(ARGV[i]) < 0 then
		return {-2, i, used}
	end
end
for i, k in ipairs(KEYS) do
	redis.call("HINCRBY", k, "used", -tonumber(ARGV[i]))
end
return {1}
`)

// provisionScript sets total, keeping usage. Returns {1, used, total} | {0, used, total}.
var provisionScript = redis.NewScript(`
local used = tonumber(redis.call("HGET", KEYS[1], "used") or "0")
local total = tonumber(ARGV[1])
if used > total then
	return {0, used, total}
end
redis.call("HSET", KEYS[1], "used", used, "total", total)
return {1, used, total}
`)

// setUsedScript overwrites usage on an existing entry.
// Returns {1, used, total} | {-1} | {0, used, total}.
var setUsedScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return {-1}
end
local total = tonumber(redis.call("HGET", KEYS[1], "total") or "0")
local used = tonumber(ARGV[1])
if used > total then
	return {0, used, total}
end
redis.call("HSET", KEYS[1], "used", used)
return {1, used, total}
`)

type ledger struct {
	client *redis.Client
}

// NewLedger returns a capacity.Ledger shared by every process pointed at
// the same Redis. Each mutation runs as a single Lua script.
func NewLedger(client *redis.Client) capacity.Ledger {
	return &ledger{client: client}
}

func (l *ledger) Provision(ctx context.Context, key capacity.Key, total int) (capacity.Entry, error) {
	if err := capacity.ValidateKey(key); err != nil {
		return capacity.Entry{}, err
	}
	if total < 0 {
		return capacity.Entry{}, &domain.ValidationError{Field: "total", Reason: "must not be negative"}
	}
	res, err := runScript(ctx, l.client, provisionScript, []string{ledgerKey(key)}, total)
	if err != nil {
		return capacity.Entry{}, fmt.Errorf("redis provision %s: %w", key, err)
	}
	if res[0] == codeExceeded {
		return capacity.Entry{}, &domain.ValidationError{
			Field:  "total",
			Reason: fmt.Sprintf("%d is below current usage %d", total, res[1]),
		}
	}
	return capacity.Entry{Key: key, Used: int(res[1]), Total: int(res[2])}, nil
}

func (l *ledger) Get(ctx context.Context, key capacity.Key) (capacity.Entry, error) {
	entries, err := l.Snapshot(ctx, []capacity.Key{key})
	if err != nil {
		return capacity.Entry{}, err
	}
	return entries[0], nil
}

func (l *ledger) Snapshot(ctx context.Context, keys []capacity.Key) ([]capacity.Entry, error) {
	pipe := l.client.Pipeline()
	cmds := make([]*redis.SliceCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HMGet(ctx, ledgerKey(k), "used", "total")
	}
	if len(keys) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("redis snapshot: %w", err)
		}
	}

	out := make([]capacity.Entry, 0, len(keys))
	for i, k := range keys {
		vals := cmds[i].Val()
		if len(vals) != 2 || vals[1] == nil {
			return nil, capacity.NotFound(k)
		}
		used, err := toInt(vals[0])
		if err != nil {
			return nil, fmt.Errorf("redis snapshot %s used: %w", k, err)
		}
		total, err := toInt(vals[1])
		if err != nil {
			return nil, fmt.Errorf("redis snapshot %s total: %w", k, err)
		}
		out = append(out, capacity.Entry{Key: k, Used: used, Total: total})
	}
	return out, nil
}

// Keys scans for every ledger entry. SCAN may report a key twice; the result
// is deduplicated and sorted.
func (l *ledger) Keys(ctx context.Context) ([]capacity.Key, error) {
	seen := make(map[capacity.Key]struct{})
	iter := l.client.Scan(ctx, 0, ledgerPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		k, ok := parseLedgerKey(iter.Val())
		if !ok {
			continue
		}
		seen[k] = struct{}{}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan ledger keys: %w", err)
	}
	keys := make([]capacity.Key, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	capacity.SortKeys(keys)
	return keys, nil
}

func (l *ledger) Reserve(ctx context.Context, claims []capacity.Claim) error {
	if err := capacity.ValidateClaims(claims); err != nil {
		return err
	}
	claims = capacity.Merge(claims)
	if len(claims) == 0 {
		return nil
	}
	keys, units := claimArgs(claims)
	res, err := runScript(ctx, l.client, reserveScript, keys, units...)
	if err != nil {
		return fmt.Errorf("redis reserve: %w", err)
	}
	switch res[0] {
	case codeOK:
		return nil
	case codeMissing:
		return capacity.NotFound(claims[res[1]-1].Key)
	case codeExceeded:
		k := claims[res[1]-1].Key
		return &domain.CapacityExceededError{Scope: string(k.Scope), ID: k.ID, Used: int(res[2]), Total: int(res[3])}
	}
	return fmt.Errorf("redis reserve: unexpected script result %v", res)
}

func (l *ledger) Release(ctx context.Context, claims []capacity.Claim) error {
	if err := capacity.ValidateClaims(claims); err != nil {
		return err
	}
	claims = capacity.Merge(claims)
	if len(claims) == 0 {
		return nil
	}
	keys, units := claimArgs(claims)
	res, err := runScript(ctx, l.client, releaseScript, keys, units...)
	if err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	switch res[0] {
	case codeOK:
		return nil
	case codeMissing:
		return capacity.NotFound(claims[res[1]-1].Key)
	case codeNegative:
		c := claims[res[1]-1]
		return fmt.Errorf("redis release: %d from %s would make usage negative (used=%d)", c.Units, c.Key, res[2])
	}
	return fmt.Errorf("redis release: unexpected script result %v", res)
}

func (l *ledger) SetUsed(ctx context.Context, key capacity.Key, used int) (capacity.Entry, error) {
	if used < 0 {
		return capacity.Entry{}, &domain.ValidationError{Field: "used", Reason: "must not be negative"}
	}
	res, err := runScript(ctx, l.client, setUsedScript, []string{ledgerKey(key)}, used)
	if err != nil {
		return capacity.Entry{}, fmt.Errorf("redis set used %s: %w", key, err)
	}
	switch res[0] {
	case codeMissing:
		return capacity.Entry{}, capacity.NotFound(key)
	case codeExceeded:
		return capacity.Entry{}, &domain.CapacityExceededError{Scope: string(key.Scope), ID: key.ID, Used: int(res[1]), Total: int(res[2])}
	}
	return capacity.Entry{Key: key, Used: int(res[1]), Total: int(res[2])}, nil
}

func claimArgs(claims []capacity.Claim) ([]string, []any) {
	keys := make([]string, len(claims))
	units := make([]any, len(claims))
	for i, c := range claims {
		keys[i] = ledgerKey(c.Key)
		units[i] = c.Units
	}
	return keys, units
}

func runScript(ctx context.Context, c *redis.Client, s *redis.Script, keys []string, args ...any) ([]int64, error) {
	raw, err := s.Run(ctx, c, keys, args...).Slice()
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(raw))
	for i, v := range raw {
		n, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("script returned %T at %d", v, i)
		}
		out[i] = n
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("script returned no values")
	}
	return out, nil
}

func toInt(v any) (int, error) {
	if v == nil {
		return 0, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected %T", v)
	}
	return strconv.Atoi(s)
}
