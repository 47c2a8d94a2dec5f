/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package natsemit publishes scan outcomes and zombie diagnostics to NATS,
// optionally through a JetStream stream.
package natsemit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/carverauto/sweepcore/pkg/config"
	"github.com/carverauto/sweepcore/pkg/logger"
	"github.com/carverauto/sweepcore/pkg/models"
)

var errNoConnection = errors.New("nats connection is required")

const diagnosticToken = "diagnostic"

// Envelope is the message body of every outcome.
type Envelope struct {
	SessionID string             `json:"session_id"`
	Outcome   models.ScanOutcome `json:"outcome"`
}

// DiagnosticEnvelope is the message body of every zombie diagnostic.
type DiagnosticEnvelope struct {
	SessionID  string                  `json:"session_id"`
	Diagnostic models.ZombieDiagnostic `json:"diagnostic"`
}

// Publisher sends outcomes as JSON to <subject>.<state> and diagnostics
// to <subject>.diagnostic. Publishing is asynchronous; failures are
// logged and counted, never returned to the scan.
type Publisher struct {
	nc        *nats.Conn
	js        jetstream.JetStream
	subject   string
	sessionID string
	logger    logger.Logger
	failures  atomic.Uint64
	published atomic.Uint64
}

// New wraps an existing connection. js may be nil for core NATS.
func New(nc *nats.Conn, js jetstream.JetStream, subject, sessionID string, log logger.Logger) (*Publisher, error) {
	if nc == nil {
		return nil, errNoConnection
	}

	if subject == "" {
		subject = config.DefaultNATSSubject
	}

	if log == nil {
		log = logger.NewTestLogger()
	}

	return &Publisher{
		nc:        nc,
		js:        js,
		subject:   subject,
		sessionID: sessionID,
		logger:    log.WithComponent("natsemit"),
	}, nil
}

// Connect dials cfg.URL and, when cfg.Stream is set, ensures the stream
// exists and captures the publisher's subjects.
func Connect(ctx context.Context, cfg config.NATS, sessionID string, log logger.Logger, extra ...nats.Option) (*Publisher, error) {
	if log == nil {
		log = logger.NewTestLogger()
	}

	opts := []nats.Option{
		nats.Name("sweepcore-" + sessionID),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Warn().Err(err).Msg("NATS error")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	if cfg.Creds != "" {
		opts = append(opts, nats.UserCredentials(cfg.Creds))
	}

	opts = append(opts, extra...)

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	subject := cfg.Subject
	if subject == "" {
		subject = config.DefaultNATSSubject
	}

	var js jetstream.JetStream

	if cfg.Stream != "" {
		js, err = ensureStream(ctx, nc, cfg.Domain, cfg.Stream, subject+".>")
		if err != nil {
			nc.Close()
			return nil, err
		}
	}

	log.Info().
		Str("url", nc.ConnectedUrl()).
		Str("subject", subject).
		Str("stream", cfg.Stream).
		Msg("Connected outcome publisher")

	return New(nc, js, subject, sessionID, log)
}

func ensureStream(ctx context.Context, nc *nats.Conn, domain, stream, subject string) (jetstream.JetStream, error) {
	var (
		js  jetstream.JetStream
		err error
	)

	if domain != "" {
		js, err = jetstream.NewWithDomain(nc, domain)
	} else {
		js, err = jetstream.New(nc)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	s, err := js.Stream(ctx, stream)

	switch {
	case err == nil:
		info, ierr := s.Info(ctx)
		if ierr != nil {
			return nil, fmt.Errorf("failed to read stream %s: %w", stream, ierr)
		}

		subjects := ensureSubjectList(info.Config.Subjects, subject)
		if len(subjects) == len(info.Config.Subjects) {
			return js, nil
		}

		cfg := info.Config
		cfg.Subjects = subjects

		if _, err := js.UpdateStream(ctx, cfg); err != nil {
			return nil, fmt.Errorf("failed to update stream %s: %w", stream, err)
		}
	case isStreamMissingErr(err):
		if _, err := js.CreateStream(ctx, jetstream.StreamConfig{Name: stream, Subjects: []string{subject}}); err != nil {
			return nil, fmt.Errorf("failed to create stream %s: %w", stream, err)
		}
	default:
		return nil, fmt.Errorf("failed to look up stream %s: %w", stream, err)
	}

	return js, nil
}

// ensureSubjectList appends subject unless an existing pattern covers it.
func ensureSubjectList(subjects []string, subject string) []string {
	for _, s := range subjects {
		if matchesSubject(s, subject) {
			return subjects
		}
	}

	return append(subjects, subject)
}

// matchesSubject reports whether pattern covers subject, honouring the
// "*" and ">" wildcards. A ">" in subject must be matched by ">".
func matchesSubject(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, tok := range pt {
		if tok == ">" {
			return len(st) > i
		}

		if i >= len(st) {
			return false
		}

		if tok != "*" && tok != st[i] {
			return false
		}

		if tok == "*" && st[i] == ">" {
			return false
		}
	}

	return len(pt) == len(st)
}

func isStreamMissingErr(err error) bool {
	return errors.Is(err, jetstream.ErrStreamNotFound) ||
		errors.Is(err, jetstream.ErrNoStreamResponse) ||
		errors.Is(err, nats.ErrStreamNotFound) ||
		errors.Is(err, nats.ErrNoStreamResponse) ||
		errors.Is(err, nats.ErrNoResponders)
}

// Subject is the subject an outcome of the given state is published on.
func (p *Publisher) Subject(state models.PortState) string {
	return p.subject + "." + subjectToken(state)
}

func subjectToken(state models.PortState) string {
	// "open|filtered" is not a valid subject token.
	return strings.ReplaceAll(state.String(), "|", "_")
}

// Emit publishes one outcome.
func (p *Publisher) Emit(o models.ScanOutcome) {
	data, err := json.Marshal(Envelope{SessionID: p.sessionID, Outcome: o})
	if err != nil {
		p.fail(err, "Failed to marshal outcome")
		return
	}

	msg := nats.NewMsg(p.Subject(o.State))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, p.sessionID+"/"+o.Technique.String()+"/"+o.Target.String())

	p.publish(msg)
}

// Diagnostic publishes one zombie diagnostic.
func (p *Publisher) Diagnostic(d models.ZombieDiagnostic) {
	data, err := json.Marshal(DiagnosticEnvelope{SessionID: p.sessionID, Diagnostic: d})
	if err != nil {
		p.fail(err, "Failed to marshal diagnostic")
		return
	}

	msg := nats.NewMsg(p.subject + "." + diagnosticToken)
	msg.Data = data

	p.publish(msg)
}

func (p *Publisher) publish(msg *nats.Msg) {
	var err error

	if p.js != nil {
		_, err = p.js.PublishMsgAsync(msg)
	} else {
		err = p.nc.PublishMsg(msg)
	}

	if err != nil {
		p.fail(err, "Failed to publish")
		return
	}

	p.published.Add(1)
}

func (p *Publisher) fail(err error, msg string) {
	p.failures.Add(1)
	p.logger.Warn().Err(err).Msg(msg)
}

// Published is the number of messages handed to NATS.
func (p *Publisher) Published() uint64 {
	return p.published.Load()
}

// Failures is the number of outcomes and diagnostics that were dropped.
func (p *Publisher) Failures() uint64 {
	return p.failures.Load()
}

// Flush waits until every message has been accepted by the server.
func (p *Publisher) Flush(ctx context.Context) error {
	if p.js != nil {
		select {
		case <-p.js.PublishAsyncComplete():
		case <-ctx.Done():
			return fmt.Errorf("waiting for %d JetStream acks: %w", p.js.PublishAsyncPending(), ctx.Err())
		}
	}

	return p.nc.FlushWithContext(ctx)
}

// Close flushes with a bounded wait and closes the connection.
func (p *Publisher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := p.Flush(ctx)

	p.nc.Close()

	return err
}
