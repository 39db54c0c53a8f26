package lending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/loan-adjustments/internal/adjustment"
)

// CachedCalculator keeps amounts breakdowns in Redis for a short TTL.
// Redis failures are logged and the request falls through to the wrapped
// calculator.
type CachedCalculator struct {
	Next   adjustment.AmountsCalculator
	Redis  *redis.Client
	Prefix string
	TTL    time.Duration
	Logger *slog.Logger
}

func (c *CachedCalculator) key(loan string, postingDate time.Time) string {
	return fmt.Sprintf("%s:%d", c.loanPrefix(loan), postingDate.UTC().Unix())
}

// loanPrefix query-escapes loan so it carries no ':' or glob characters.
func (c *CachedCalculator) loanPrefix(loan string) string {
	base := "amounts:" + url.QueryEscape(loan)
	if c.Prefix == "" {
		return base
	}
	return c.Prefix + ":" + base
}

func (c *CachedCalculator) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *CachedCalculator) CalculateAmounts(ctx context.Context, loan string, postingDate time.Time) (adjustment.AmountsBreakdown, error) {
	if c.Redis == nil || c.TTL <= 0 {
		return c.Next.CalculateAmounts(ctx, loan, postingDate)
	}

	key := c.key(loan, postingDate)
	raw, err := c.Redis.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var amounts adjustment.AmountsBreakdown
		if err := json.Unmarshal(raw, &amounts); err == nil {
			return amounts, nil
		}
		c.logger().Warn("discarding unreadable cached amounts", "key", key)
	case !errors.Is(err, redis.Nil):
		c.logger().Warn("amounts cache read failed", "key", key, "error", err)
	}

	amounts, err := c.Next.CalculateAmounts(ctx, loan, postingDate)
	if err != nil {
		return amounts, err
	}

	if encoded, err := json.Marshal(amounts); err == nil {
		if err := c.Redis.Set(ctx, key, encoded, c.TTL).Err(); err != nil {
			c.logger().Warn("amounts cache write failed", "key", key, "error", err)
		}
	}
	return amounts, nil
}

// Invalidate drops every cached breakdown of loan.
func (c *CachedCalculator) Invalidate(ctx context.Context, loan string) error {
	if c.Redis == nil {
		return nil
	}

	var keys []string
	iter := c.Redis.Scan(ctx, 0, globEscaper.Replace(c.loanPrefix(loan))+":*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cached amounts: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return c.Redis.Del(ctx, keys...).Err()
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
