// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// JetStreamConsumer pulls messages off a subject one at a time and hands
// them to f. A true return acks the message, false leaves it for redelivery.
// The loop stops when the context is cancelled.
func JetStreamConsumer(
	ctx context.Context, js nats.JetStreamContext, subj, durable string,
	f func(ctx context.Context, msgs []*nats.Msg) bool,
	opts ...nats.SubOpt,
) error {
	name := durable + "Pull"
	sub, err := js.PullSubscribe(subj, name, opts...)
	if err != nil {
		return fmt.Errorf("nats.PullSubscribe: %w", err)
	}
	go func() {
		defer func() {
			// A named durable consumer remembers its position; a deleted one
			// starts over, so keep it unless the context was cancelled for good.
			if ctx.Err() != nil {
				// The stream carries a single subject named after itself.
			if err := js.DeleteConsumer(subj, name); err != nil {
					logrus.WithContext(ctx).WithError(err).Warn("Failed to clean up JetStream consumer")
				}
			}
		}()
		for {
			if ctx.Err() != nil {
				return
			}
			msgs, err := sub.Fetch(1, nats.Context(ctx))
			switch err {
			case nil:
			case context.Canceled, context.DeadlineExceeded, nats.ErrTimeout:
				continue
			default:
				logrus.WithContext(ctx).WithField("subject", subj).WithError(err).
					Warn("Error on pull subscriber fetch")
				return
			}
			if len(msgs) < 1 {
				continue
			}
			msg := msgs[0]
			if err = msg.InProgress(nats.Context(ctx)); err != nil {
				logrus.WithContext(ctx).WithField("subject", subj).WithError(err).
					Warn("Error marking message as in progress")
				continue
			}
			if f(ctx, msgs) {
				if err = msg.AckSync(nats.Context(ctx)); err != nil {
					logrus.WithContext(ctx).WithField("subject", subj).WithError(err).
						Warn("Error acknowledging message")
				}
			} else {
				if err = msg.Nak(nats.Context(ctx)); err != nil {
					logrus.WithContext(ctx).WithField("subject", subj).WithError(err).
						Warn("Error requeueing message")
				}
			}
		}
	}()
	return nil
}
