// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package qs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	eddsa "github.com/katzenpost/hpqc/sign/ed25519"
	"gopkg.in/op/go-logging.v1"

	"github.com/groupwire/groupwire/core/log"
	"github.com/groupwire/groupwire/wire"
)

const (
	fanOutPath       = "/qs/fanout"
	verifyingKeyPath = "/qs/verifying-key"

	httpTimeout = 30 * time.Second
)

// HTTPConnector reaches queue services over their federation HTTP
// endpoints. Verifying keys are cached per domain for the lifetime of the
// connector.
type HTTPConnector struct {
	client    *http.Client
	log       *logging.Logger
	endpoints map[wire.Fqdn]string

	mu       sync.Mutex
	keyCache map[wire.Fqdn]*eddsa.PublicKey
}

// NewHTTPConnector creates a connector. The endpoints map overrides the
// default base URL of https://<domain> for selected domains.
func NewHTTPConnector(logBackend *log.Backend, endpoints map[string]string) *HTTPConnector {
	eps := make(map[wire.Fqdn]string, len(endpoints))
	for domain, base := range endpoints {
		eps[wire.Fqdn(domain)] = base
	}
	return &HTTPConnector{
		client:    &http.Client{Timeout: httpTimeout},
		log:       logBackend.GetLogger("qs/http"),
		endpoints: eps,
		keyCache:  make(map[wire.Fqdn]*eddsa.PublicKey),
	}
}

func (c *HTTPConnector) baseURL(domain wire.Fqdn) string {
	if base, ok := c.endpoints[domain]; ok {
		return base
	}
	return "https://" + string(domain)
}

// Dispatch forwards one fan-out message to the queue service of the
// homeserver named in the message's client reference.
func (c *HTTPConnector) Dispatch(ctx context.Context, msg *wire.FanOutMessage) error {
	b, err := msg.Marshal()
	if err != nil {
		return err
	}
	url := c.baseURL(msg.ClientRef.Homeserver) + fanOutPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/cbor")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("qs: dispatch to %v failed: %w", msg.ClientRef.Homeserver, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("qs: dispatch to %v failed: %v", msg.ClientRef.Homeserver, resp.Status)
	}
	return nil
}

// VerifyingKey fetches, and caches, the key package batch signing key of
// the given homeserver's queue service.
func (c *HTTPConnector) VerifyingKey(ctx context.Context, domain wire.Fqdn) (*eddsa.PublicKey, error) {
	c.mu.Lock()
	if key, ok := c.keyCache[domain]; ok {
		c.mu.Unlock()
		return key, nil
	}
	c.mu.Unlock()

	url := c.baseURL(domain) + verifyingKeyPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("qs: key fetch from %v failed: %w", domain, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("qs: key fetch from %v failed: %v", domain, resp.Status)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return nil, err
	}
	key := new(eddsa.PublicKey)
	if err := key.FromBytes(raw); err != nil {
		return nil, fmt.Errorf("qs: malformed verifying key from %v: %w", domain, err)
	}

	c.mu.Lock()
	c.keyCache[domain] = key
	c.mu.Unlock()
	c.log.Debugf("cached verifying key for %v", domain)
	return key, nil
}
