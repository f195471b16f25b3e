package gateway

import (
	"context"
	"errors"
	"io"
	"time"

	"flowgate-hq/flowgate/pkg/resilience"
	"flowgate-hq/flowgate/pkg/routing"
	"flowgate-hq/flowgate/pkg/upstream"
)

// ChatStream is a validated streaming chat completion. The first event
// has already been pulled from the upstream, so a ChatStream in hand
// means the upstream committed to this stream; there is no failover
// after this point.
type ChatStream struct {
	first     []byte
	sentFirst bool

	stream *upstream.Stream

	settled   bool
	onSuccess func()
	onFailure func(error)
}

// Next returns the next SSE event block, io.EOF at the end of the
// stream, or the upstream error that broke it.
func (s *ChatStream) Next() ([]byte, error) {
	if !s.sentFirst {
		s.sentFirst = true
		if s.first != nil {
			return s.first, nil
		}
	}
	if s.stream == nil {
		s.settle(nil)
		return nil, io.EOF
	}
	event, err := s.stream.Next()
	switch {
	case err == io.EOF:
		s.settle(nil)
	case err != nil:
		s.settle(err)
	}
	return event, err
}

// Close releases the upstream connection and concurrency slot. A
// stream closed before its natural end counts as neither success nor
// failure for account health.
func (s *ChatStream) Close() error {
	s.settled = true
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

func (s *ChatStream) settle(err error) {
	if s.settled {
		return
	}
	s.settled = true
	if err == nil {
		s.onSuccess()
	} else {
		s.onFailure(err)
	}
}

// StreamChatCompletion starts a streaming chat call with failover. The
// first upstream event is pulled and validated before the stream is
// returned; failures before that point fail over to other accounts,
// failures after it surface to the caller mid-stream.
func (m *Manager) StreamChatCompletion(ctx context.Context, token string, body map[string]any) (*ChatStream, error) {
	prepareBody(body)
	m.maybeReload()

	m.mu.Lock()
	rc := m.routing
	m.mu.Unlock()

	route, err := resolveRoute(rc, token)
	if err != nil {
		return nil, err
	}

	requestedModel, _ := body["model"].(string)
	start := time.Now()

	var candidates []string
	if route != nil && len(rc.Accounts) > 0 {
		candidates = enabledCandidates(rc, route)
	}
	if len(candidates) == 0 {
		client, err := m.fallbackClient()
		if err != nil {
			return nil, err
		}
		stream, err := client.StreamChatCompletion(ctx, body)
		if err != nil {
			return nil, err
		}
		return m.openStream(ctx, stream, "", requestedModel, start, nil), nil
	}
	tried := make(map[string]bool)
	var lastErr error

	for i := 0; i < len(candidates); i++ {
		accountID := m.pickAccount(rc, candidates, route.Strategy, tried)
		tried[accountID] = true
		if i > 0 {
			m.metrics.RecordFailover(accountID)
		}

		cs, err := m.startStreamOnce(ctx, rc, accountID, requestedModel, body, start)
		if err == nil {
			return cs, nil
		}

		m.recordFailure(rc, accountID, err)
		lastErr = err
		m.logger.Warn("streaming attempt failed",
			"account", accountID, "attempt", i+1, "error", err)

		if !rc.Resilience.Enabled && !resilience.IsModelNotSupported(err) {
			break
		}
		if !retryable(rc, err) {
			break
		}
		if len(tried) >= len(candidates) {
			break
		}
		if backoff := rc.Resilience.RetryBackoff(); rc.Resilience.Enabled && backoff > 0 && i < len(candidates)-1 {
			m.sleep(backoff)
		}
	}

	m.finishRequest(ctx, "", requestedModel, "error", start, true, nil)
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, &ConfigError{Reason: "upstream error"}
}

// startStreamOnce opens a stream on one account and validates its first
// event: expired credentials get one refresh-and-retry on the same
// account, and strict model matching applies when the first event names
// a model.
func (m *Manager) startStreamOnce(ctx context.Context, rc *routing.Config, accountID, requestedModel string, body map[string]any, start time.Time) (*ChatStream, error) {
	acc := rc.Accounts[accountID]
	client := m.clientFor(accountID, acc)

	stream, first, err := openAndPull(ctx, client, body)
	if err != nil && resilience.IsCredentialExpiry(err) && m.refreshAccount(ctx, accountID) {
		stream, first, err = openAndPull(ctx, m.clientForCurrent(accountID), body)
	}
	if err != nil {
		return nil, err
	}

	if first == nil {
		// The upstream ended the stream before sending anything; treat
		// as a successful empty completion.
		m.recordSuccess(accountID)
		m.finishRequest(ctx, accountID, requestedModel, "success", start, true, nil)
		return &ChatStream{settled: true}, nil
	}

	if returned := extractStreamModel(first); returned != "" && !modelStrictMatch(requestedModel, returned) {
		stream.Close()
		return nil, &ModelMismatchError{Requested: requestedModel, Returned: returned}
	}

	return m.openStream(ctx, stream, accountID, requestedModel, start, first), nil
}

// openAndPull opens a stream and reads its first event. A clean EOF
// before any event yields (stream, nil, nil) with the stream already
// closed.
func openAndPull(ctx context.Context, client *upstream.Client, body map[string]any) (*upstream.Stream, []byte, error) {
	stream, err := client.StreamChatCompletion(ctx, body)
	if err != nil {
		return nil, nil, err
	}
	first, err := stream.Next()
	if err == io.EOF {
		stream.Close()
		return stream, nil, nil
	}
	if err != nil {
		stream.Close()
		return nil, nil, err
	}
	return stream, first, nil
}

// openStream wraps a validated upstream stream with health and metrics
// bookkeeping.
func (m *Manager) openStream(ctx context.Context, stream *upstream.Stream, accountID, model string, start time.Time, first []byte) *ChatStream {
	m.mu.Lock()
	rc := m.routing
	m.mu.Unlock()

	cs := &ChatStream{stream: stream, first: first}
	cs.onSuccess = func() {
		if accountID != "" {
			m.recordSuccess(accountID)
		}
		m.finishRequest(ctx, accountID, model, "success", start, true, nil)
	}
	cs.onFailure = func(err error) {
		if accountID != "" && !errors.Is(err, context.Canceled) {
			m.recordFailure(rc, accountID, err)
		}
		m.finishRequest(ctx, accountID, model, "error", start, true, nil)
	}
	return cs
}
