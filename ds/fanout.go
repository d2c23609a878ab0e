// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package ds

import (
	"context"
	"errors"
	"fmt"

	"gopkg.in/op/go-logging.v1"

	"github.com/groupwire/groupwire/internal/instrument"
	"github.com/groupwire/groupwire/qs"
	"github.com/groupwire/groupwire/wire"
)

// Dispatcher fans accepted messages out to member queues via the queue
// service connector. Deliveries are independent: a failure for one
// recipient never blocks the others.
type Dispatcher struct {
	connector qs.Connector
	log       *logging.Logger
}

// NewDispatcher creates a dispatcher on top of the given connector.
func NewDispatcher(connector qs.Connector, log *logging.Logger) *Dispatcher {
	return &Dispatcher{connector: connector, log: log}
}

// DistributeMessage delivers one timestamped payload to every destination
// queue. Individual failures are aggregated; the state change the message
// resulted from is already persisted when this runs.
func (d *Dispatcher) DistributeMessage(ctx context.Context, timestamp wire.TimeStamp, payload []byte, destinations []wire.QsClientReference) error {
	var errs []error
	for _, dest := range destinations {
		msg := &wire.FanOutMessage{
			PayloadType: wire.FanOutQueueMessage,
			QueueMessage: &wire.QueueMessagePayload{
				Timestamp: timestamp,
				Payload:   payload,
			},
			ClientRef: dest,
		}
		if err := d.connector.Dispatch(ctx, msg); err != nil {
			instrument.FanOutFailure()
			d.log.Warningf("fan-out to %v failed: %v", dest.Homeserver, err)
			errs = append(errs, err)
			continue
		}
		instrument.FanOut()
	}
	if len(errs) != 0 {
		return fmt.Errorf("%w: %v", ErrDistribution, errors.Join(errs...))
	}
	return nil
}

// DistributeWelcomes delivers welcome bundles to freshly added clients.
func (d *Dispatcher) DistributeWelcomes(ctx context.Context, bundles []*wire.FanOutMessage) error {
	var errs []error
	for _, bundle := range bundles {
		if err := d.connector.Dispatch(ctx, bundle); err != nil {
			instrument.FanOutFailure()
			d.log.Warningf("welcome fan-out to %v failed: %v", bundle.ClientRef.Homeserver, err)
			errs = append(errs, err)
			continue
		}
		instrument.FanOut()
	}
	if len(errs) != 0 {
		return fmt.Errorf("%w: %v", ErrDistribution, errors.Join(errs...))
	}
	return nil
}
