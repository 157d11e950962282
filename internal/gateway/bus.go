package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var busChannels = []string{
	kephasgate.ChannelSessionInvalidate,
	kephasgate.ChannelIPBlock,
	kephasgate.ChannelEvents,
	kephasgate.ChannelRPCNotify,
}

// listen consumes the distributed bus until ctx is done, resubscribing with
// exponential backoff whenever the subscription fails.
func (g *Gateway) listen(ctx context.Context, done chan struct{}) {
	defer close(done)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	consume := func() error {
		sub, err := g.store.Subscribe(ctx, busChannels...)
		if err != nil {
			if errors.Is(err, store.ErrClosed) {
				return backoff.Permanent(err)
			}
			return err
		}
		defer sub.Close()
		bo.Reset()

		for {
			msg, err := sub.Receive(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if errors.Is(err, store.ErrClosed) {
					return backoff.Permanent(err)
				}
				return err
			}
			g.dispatchBus(ctx, msg)
		}
	}

	notify := func(err error, wait time.Duration) {
		g.metrics.BusError()
		g.log.Warn("bus subscription failed, retrying", zap.Error(err), zap.Duration("backoff", wait))
	}

	err := backoff.RetryNotify(consume, backoff.WithContext(bo, ctx), notify)
	if err != nil && ctx.Err() == nil {
		g.log.Error("bus listener stopped", zap.Error(err))
	}
}

func (g *Gateway) dispatchBus(ctx context.Context, msg store.Message) {
	switch msg.Channel {
	case kephasgate.ChannelSessionInvalidate, kephasgate.ChannelIPBlock:
		g.security.ApplyNotice(ctx, msg.Channel, msg.Payload)
	case kephasgate.ChannelRPCNotify:
		g.bridge.HandleNotice(ctx, msg.Payload)
	case kephasgate.ChannelEvents:
		g.applyRemoteEvent(ctx, msg.Payload)
	default:
		g.log.Debug("ignoring bus message", zap.String("channel", msg.Channel))
	}
}
