// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package ds

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"

	"gopkg.in/op/go-logging.v1"

	"github.com/groupwire/groupwire/core/log"
	"github.com/groupwire/groupwire/core/worker"
	"github.com/groupwire/groupwire/ds/config"
	"github.com/groupwire/groupwire/ds/state"
	"github.com/groupwire/groupwire/qs"
	"github.com/groupwire/groupwire/wire"
)

const maxRequestSize = 1 << 22

// Server exposes the delivery service over its request listener and owns
// the listener's lifecycle.
type Server struct {
	worker.Worker

	cfg  *config.Config
	log  *logging.Logger
	ds   *Ds
	http *http.Server
	lis  net.Listener
}

// NewServer creates and starts a server for the given delivery service.
func NewServer(cfg *config.Config, logBackend *log.Backend, store state.Provider, connector qs.Connector) (*Server, error) {
	d, err := New(logBackend, store, connector, wire.Fqdn(cfg.Domain))
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg: cfg,
		log: logBackend.GetLogger("ds/server"),
		ds:  d,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ds/process", s.onProcess)
	s.http = &http.Server{Handler: mux}
	if s.lis, err = net.Listen("tcp", cfg.Address); err != nil {
		return nil, err
	}
	s.log.Noticef("listening on %v", s.lis.Addr())

	s.Go(s.serve)
	s.Go(s.haltListener)
	return s, nil
}

// Ds returns the underlying delivery service.
func (s *Server) Ds() *Ds { return s.ds }

func (s *Server) serve() {
	if err := s.http.Serve(s.lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Errorf("listener failure: %v", err)
	}
}

func (s *Server) haltListener() {
	<-s.HaltCh()
	s.http.Shutdown(context.Background())
}

func (s *Server) onProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		http.Error(w, "read failure", http.StatusBadRequest)
		return
	}
	req := new(wire.ClientRequest)
	if err := req.Unmarshal(body); err != nil {
		writeStatus(w, wire.StatusInvalidMessage)
		return
	}
	resp, err := s.ds.Process(r.Context(), req)
	if err != nil {
		writeStatus(w, StatusOf(err))
		return
	}
	b, err := resp.Marshal()
	if err != nil {
		writeStatus(w, wire.StatusInternalError)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.Write(b)
}

// writeStatus reports a failed request. Only the stable status code
// crosses the wire.
func writeStatus(w http.ResponseWriter, status wire.StatusCode) {
	w.Header().Set("X-Groupwire-Status", strconv.Itoa(int(status)))
	http.Error(w, "request failed", http.StatusUnprocessableEntity)
}
