package registry

import (
	"context"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// inMemoryCommander implements commander without Redis, for single-process
// deployments that have no Redis to share inflight state with other
// workers (orphan recovery then only protects against a goroutine dying,
// not the whole process).
type inMemoryCommander struct {
	mu     sync.Mutex
	hashes map[string]map[string]string
	zsets  map[string]map[string]float64
	locks  map[string]string
}

func newInMemoryCommander() *inMemoryCommander {
	return &inMemoryCommander{
		hashes: make(map[string]map[string]string),
		zsets:  make(map[string]map[string]float64),
		locks:  make(map[string]string),
	}
}

func (c *inMemoryCommander) ZAdd(ctx context.Context, key string, members ...goredis.Z) *goredis.IntCmd {
	cmd := goredis.NewIntCmd(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.zsets[key] == nil {
		c.zsets[key] = make(map[string]float64)
	}
	for _, m := range members {
		c.zsets[key][m.Member.(string)] = m.Score
	}
	cmd.SetVal(int64(len(members)))
	return cmd
}

func (c *inMemoryCommander) ZRem(ctx context.Context, key string, members ...interface{}) *goredis.IntCmd {
	cmd := goredis.NewIntCmd(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range members {
		delete(c.zsets[key], m.(string))
	}
	cmd.SetVal(int64(len(members)))
	return cmd
}

func (c *inMemoryCommander) ZRangeByScore(ctx context.Context, key string, opt *goredis.ZRangeBy) *goredis.StringSliceCmd {
	cmd := goredis.NewStringSliceCmd(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	max := parseScoreBound(opt.Max, maxFloat)
	min := parseScoreBound(opt.Min, minFloat)
	var out []string
	for member, score := range c.zsets[key] {
		if score >= min && score <= max {
			out = append(out, member)
		}
	}
	cmd.SetVal(out)
	return cmd
}

func (c *inMemoryCommander) HSet(ctx context.Context, key string, values ...interface{}) *goredis.IntCmd {
	cmd := goredis.NewIntCmd(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hashes[key] == nil {
		c.hashes[key] = make(map[string]string)
	}
	for i := 0; i+1 < len(values); i += 2 {
		field := values[i].(string)
		switch v := values[i+1].(type) {
		case []byte:
			c.hashes[key][field] = string(v)
		case string:
			c.hashes[key][field] = v
		}
	}
	cmd.SetVal(int64(len(values) / 2))
	return cmd
}

func (c *inMemoryCommander) HGet(ctx context.Context, key, field string) *goredis.StringCmd {
	cmd := goredis.NewStringCmd(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.hashes[key][field]
	if !ok {
		cmd.SetErr(goredis.Nil)
		return cmd
	}
	cmd.SetVal(v)
	return cmd
}

func (c *inMemoryCommander) HDel(ctx context.Context, key string, fields ...string) *goredis.IntCmd {
	cmd := goredis.NewIntCmd(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range fields {
		delete(c.hashes[key], f)
	}
	cmd.SetVal(int64(len(fields)))
	return cmd
}

func (c *inMemoryCommander) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) *goredis.BoolCmd {
	cmd := goredis.NewBoolCmd(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.locks[key]; exists {
		cmd.SetVal(false)
		return cmd
	}
	c.locks[key] = fmtValue(value)
	cmd.SetVal(true)
	return cmd
}

func (c *inMemoryCommander) Get(ctx context.Context, key string) *goredis.StringCmd {
	cmd := goredis.NewStringCmd(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.locks[key]
	if !ok {
		cmd.SetErr(goredis.Nil)
		return cmd
	}
	cmd.SetVal(v)
	return cmd
}

func (c *inMemoryCommander) Del(ctx context.Context, keys ...string) *goredis.IntCmd {
	cmd := goredis.NewIntCmd(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.locks, k)
	}
	cmd.SetVal(int64(len(keys)))
	return cmd
}

const (
	maxFloat = 1e18
	minFloat = -1e18
)

func parseScoreBound(s string, fallback float64) float64 {
	switch s {
	case "+inf":
		return maxFloat
	case "-inf":
		return minFloat
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return f
}

func fmtValue(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
