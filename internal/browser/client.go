package browser

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/leafpulse/tracker/internal/retry"
	"github.com/leafpulse/tracker/internal/scraperr"
)

// rpcRequest is one control-channel message sent to the remote browser
// service. The wire shape mirrors the correlation-by-id pattern used by
// exchange-style subscribe/unsubscribe control channels.
type rpcRequest struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Message string `json:"message"`
}

// remotePool dials a remote browser service over a websocket control
// channel for each acquired session.
type remotePool struct {
	breakers *retry.Registry
}

// NewRemotePool constructs a Pool backed by a remote browser service,
// wrapping acquisition in a circuit breaker keyed by Config.Vendor.
func NewRemotePool(breakers *retry.Registry) Pool {
	return &remotePool{breakers: breakers}
}

// acquireRetryPolicy matches spec §4.5 step 2: 3 retries, base 2s, doubling
// backoff, retried only for session-acquisition failures.
func acquireRetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.RetryableErrors = []string{string(scraperr.CodeBrowserUnavailable)}
	return p
}

// Acquire dials the remote browser service, creates a session, and opens its
// primary page, under a vendor-keyed circuit breaker and up to 3 retries
// with exponential backoff (spec §4.5 step 2).
func (p *remotePool) Acquire(ctx context.Context, cfg Config) (Session, error) {
	vendor := cfg.Vendor
	if vendor == "" {
		vendor = "browserbase"
	}

	var session Session
	err := retry.WithCircuitBreaker(p.breakers, vendor, func() error {
		return retry.WithRetry(ctx, acquireRetryPolicy(), func(attemptCtx context.Context) error {
			acquireCtx, cancel := context.WithTimeout(attemptCtx, AcquireTimeout)
			defer cancel()

			conn, _, err := websocket.Dial(acquireCtx, cfg.Endpoint, nil)
			if err != nil {
				return scraperr.New(vendor, scraperr.CodeBrowserUnavailable,
					scraperr.WithMessage("dial remote browser"),
					scraperr.WithCause(err),
				)
			}

			sess := &wsSession{conn: conn, vendor: vendor}
			params, _ := json.Marshal(map[string]any{
				"apiKey":      cfg.APIKey,
				"projectId":   cfg.ProjectID,
				"proxy":       cfg.Proxy,
				"geolocation": cfg.Geolocation,
			})
			if _, err := sess.call(acquireCtx, "session.create", params); err != nil {
				_ = conn.Close(websocket.StatusInternalError, "session.create failed")
				return scraperr.New(vendor, scraperr.CodeBrowserUnavailable,
					scraperr.WithMessage("create remote session"),
					scraperr.WithCause(err),
				)
			}

			if _, err := sess.createPageRaw(acquireCtx); err != nil {
				_ = conn.Close(websocket.StatusInternalError, "primary page failed")
				return scraperr.New(vendor, scraperr.CodeBrowserUnavailable,
					scraperr.WithMessage("open primary page"),
					scraperr.WithCause(err),
				)
			}

			session = sess
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// wsSession is a Session implementation over a single websocket connection.
// Every page created from it issues "page.*" calls scoped by pageID.
type wsSession struct {
	conn   *websocket.Conn
	vendor string

	msgID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan rpcResponse

	closeOnce sync.Once
}

func (s *wsSession) call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	id := s.msgID.Add(1)
	replyCh := make(chan rpcResponse, 1)

	s.mu.Lock()
	if s.pending == nil {
		s.pending = make(map[uint64]chan rpcResponse)
	}
	s.pending[id] = replyCh
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	req := rpcRequest{ID: id, Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return nil, fmt.Errorf("write %s request: %w", method, err)
	}

	go s.readOne(id)

	select {
	case resp := <-replyCh:
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %s", method, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readOne reads a single response frame and routes it to the waiting caller.
// The remote browser protocol is strictly request/response per control call,
// so one read per in-flight call is sufficient.
func (s *wsSession) readOne(id uint64) {
	_, data, err := s.conn.Read(context.Background())
	if err != nil {
		s.mu.Lock()
		ch, ok := s.pending[id]
		s.mu.Unlock()
		if ok {
			ch <- rpcResponse{ID: id, Error: &rpcError{Message: err.Error()}}
		}
		return
	}
	var resp rpcResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return
	}
	s.mu.Lock()
	ch, ok := s.pending[resp.ID]
	s.mu.Unlock()
	if ok {
		ch <- resp
	}
}

func (s *wsSession) createPageRaw(ctx context.Context) (string, error) {
	pageID := uuid.NewString()
	params, _ := json.Marshal(map[string]any{
		"pageId": pageID,
		"viewport": map[string]int{
			"width":  DefaultViewportWidth,
			"height": DefaultViewportHeight,
		},
	})
	if _, err := s.call(ctx, "page.create", params); err != nil {
		return "", err
	}
	return pageID, nil
}

func (s *wsSession) CreatePage(ctx context.Context) (Page, error) {
	pageID, err := s.createPageRaw(ctx)
	if err != nil {
		return nil, scraperr.New(s.vendor, scraperr.CodeBrowserUnavailable,
			scraperr.WithMessage("create page"),
			scraperr.WithCause(err),
		)
	}
	return &wsPage{session: s, pageID: pageID}, nil
}

func (s *wsSession) Close(ctx context.Context) error {
	var closeErr error
	s.closeOnce.Do(func() {
		closeErr = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return closeErr
}

// wsPage is a Page implementation scoped to one pageId within a session.
type wsPage struct {
	session *wsSession
	pageID  string
}

func (p *wsPage) Navigate(ctx context.Context, url string, opts NavigateOptions) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = NavigateTimeout
	}
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	waitUntil := opts.WaitUntil
	if waitUntil == "" {
		waitUntil = "load"
	}
	params, _ := json.Marshal(map[string]any{
		"pageId":    p.pageID,
		"url":       url,
		"waitUntil": waitUntil,
	})
	if _, err := p.session.call(navCtx, "page.navigate", params); err != nil {
		return scraperr.New(p.session.vendor, scraperr.CodeNavigationFailed,
			scraperr.WithMessage(fmt.Sprintf("navigate to %s", url)),
			scraperr.WithCause(err),
		)
	}
	return nil
}

func (p *wsPage) WaitForSelector(ctx context.Context, selector string, opts WaitOptions) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = ListingSelectorWait
	}
	deadline := time.Now().Add(timeout)
	for {
		params, _ := json.Marshal(map[string]any{
			"pageId":   p.pageID,
			"selector": selector,
			"visible":  opts.Visible,
		})
		result, err := p.session.call(ctx, "page.querySelector", params)
		if err == nil {
			var found bool
			_ = json.Unmarshal(result, &found)
			if found {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return scraperr.New(p.session.vendor, scraperr.CodeTimeout,
				scraperr.WithMessage(fmt.Sprintf("wait for selector %s", selector)),
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(SelectorPollInterval):
		}
	}
}

func (p *wsPage) Evaluate(ctx context.Context, expression string) (any, error) {
	params, _ := json.Marshal(map[string]any{
		"pageId":     p.pageID,
		"expression": expression,
	})
	result, err := p.session.call(ctx, "page.evaluate", params)
	if err != nil {
		return nil, scraperr.New(p.session.vendor, scraperr.CodeEvaluationFailed,
			scraperr.WithMessage("evaluate expression"),
			scraperr.WithCause(err),
		)
	}
	var value any
	if len(result) > 0 {
		if err := json.Unmarshal(result, &value); err != nil {
			return nil, scraperr.New(p.session.vendor, scraperr.CodeEvaluationFailed,
				scraperr.WithMessage("decode evaluate result"),
				scraperr.WithCause(err),
			)
		}
	}
	return value, nil
}

func (p *wsPage) EvaluateFunction(ctx context.Context, fnSource string, args ...any) (any, error) {
	encodedArgs := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encode evaluate arg: %w", err)
		}
		encodedArgs = append(encodedArgs, raw)
	}
	params, _ := json.Marshal(map[string]any{
		"pageId": p.pageID,
		"fn":     fnSource,
		"args":   encodedArgs,
	})
	result, err := p.session.call(ctx, "page.evaluateFunction", params)
	if err != nil {
		return nil, scraperr.New(p.session.vendor, scraperr.CodeEvaluationFailed,
			scraperr.WithMessage("evaluate function"),
			scraperr.WithCause(err),
		)
	}
	var value any
	if len(result) > 0 {
		if err := json.Unmarshal(result, &value); err != nil {
			return nil, err
		}
	}
	return value, nil
}

func (p *wsPage) Close(ctx context.Context) error {
	params, _ := json.Marshal(map[string]any{"pageId": p.pageID})
	_, err := p.session.call(ctx, "page.close", params)
	return err
}
