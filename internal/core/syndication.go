package core

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/catalogimport/internal/logging"
)

// Channel is an external sales channel that receives written products.
type Channel interface {
	Name() string
	Publish(ctx context.Context, products []ProductRecord) error
}

// Syndicate publishes products to every channel in parallel. Each channel
// gets its own timeout and result; a failing channel never stops the
// others. Results are in channel order.
func Syndicate(ctx context.Context, channels []Channel, products []ProductRecord, timeout time.Duration) []ChannelResult {
	if len(channels) == 0 || len(products) == 0 {
		return nil
	}

	results := make([]ChannelResult, len(channels))
	var g errgroup.Group
	for i, ch := range channels {
		g.Go(func() error {
			results[i] = publish(ctx, ch, products, timeout)
			return nil
		})
	}
	g.Wait()
	return results
}

func publish(ctx context.Context, ch Channel, products []ProductRecord, timeout time.Duration) (res ChannelResult) {
	start := time.Now()
	res = ChannelResult{Channel: ch.Name(), Products: len(products)}

	defer func() {
		if r := recover(); r != nil {
			res.Success = false
			res.Error = fmt.Sprintf("panic: %v", r)
		}
		res.DurationMs = time.Since(start).Milliseconds()
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := ch.Publish(ctx, products); err != nil {
		failure := &ExternalServiceFailure{Service: "channel " + ch.Name(), Err: err}
		logging.FromContext(ctx).Warn("channel syndication failed",
			"channel", ch.Name(), "products", len(products), "error", failure)
		res.Error = failure.Error()
		return res
	}
	res.Success = true
	return res
}
