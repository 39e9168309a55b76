package resident

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"goflare.io/muninn/internal/models"
)

const (
	increaseKey = "increase"
	decreaseKey = "decrease"
)

// IncreaseArraySize grows the slot array by the configured increment. Concurrent callers share a
// single resize and its result.
func (c *Cache) IncreaseArraySize(ctx context.Context) models.Result {
	return c.sharedResize(ctx, increaseKey)
}

// DecreaseArraySize compacts the slot array to count plus the configured increment. Concurrent
// callers share a single resize and its result.
func (c *Cache) DecreaseArraySize(ctx context.Context) models.Result {
	return c.sharedResize(ctx, decreaseKey)
}

func (c *Cache) sharedResize(ctx context.Context, kind string) models.Result {
	for {
		ch := c.resize.DoChan(kind, func() (any, error) {
			return c.resizeArray(ctx, kind == increaseKey), nil
		})

		select {
		case <-ctx.Done():
			return c.cancelled(kind+" array size", "", ctx.Err())
		case res := <-ch:
			result := res.Val.(models.Result)
			// another requester's cancellation ended the shared resize
			if result.Cancelled && ctx.Err() == nil {
				continue
			}
			return result
		}
	}
}

func (c *Cache) resizeArray(ctx context.Context, grow bool) models.Result {
	operation := "decrease array size"
	if grow {
		operation = "increase array size"
	}

	if err := c.lock(ctx); err != nil {
		return c.cancelled(operation, "", fmt.Errorf("%w: %w", models.ErrCapacityExhausted, err))
	}
	defer c.unlock()

	current := c.slots.Load()
	count := int(c.count.Load())

	var (
		next *slotArray
		err  error
		size int
	)
	if grow {
		size = current.len() + c.increment
		next, err = current.grow(ctx, size)
	} else {
		size = count + c.increment
		if size == current.len() {
			return models.Success(nil)
		}
		next, err = current.compact(ctx, size)
	}
	if err != nil {
		return c.cancelled(operation, "", fmt.Errorf("%w: %w", models.ErrCapacityExhausted, err))
	}

	c.slots.Store(next)
	c.arrange()

	c.logger.Info("Slot array resized",
		zap.Int("from", current.len()),
		zap.Int("to", size),
		zap.Int("count", count))
	return models.Success(nil)
}
