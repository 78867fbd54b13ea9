package kis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"bnfk/internal/config"
	"bnfk/internal/logger"
	"bnfk/internal/ratelimit"

	"github.com/tidwall/gjson"
)

// Limiter is the admission gate every attempt clears before sending.
type Limiter interface {
	Acquire(ctx context.Context, pri ratelimit.Priority) error
}

// Request describes one logical brokerage call.
type Request struct {
	TRID   string
	URL    string
	Method string
	Params url.Values
	// Body is marshaled once per call; map bodies get stable key order from
	// encoding/json, which the hashkey cache relies on.
	Body     any
	Priority ratelimit.Priority
	// MaxRetries overrides the configured budget when > 0.
	MaxRetries int
}

// Response is the raw success payload. JSON() parses lazily via gjson since
// KIS payloads are loosely structured.
type Response struct {
	Status int
	Body   []byte
}

func (r Response) JSON() gjson.Result {
	return gjson.ParseBytes(r.Body)
}

func (r Response) Text() string {
	return string(r.Body)
}

// Client drives the full attempt loop for brokerage calls: rate-gate, session
// selection and rotation, token assurance, send, classification, and the
// retry/cooldown state machine.
type Client struct {
	pool    *Pool
	limiter Limiter

	baseURL           string
	custtype          string
	maxRetries        int
	backoffBase       time.Duration
	backoffCap        time.Duration
	backoffJitter     time.Duration
	cooldownAfter     int
	cooldownDur       time.Duration
	authCooldown      time.Duration
	sessionResetEvery int
	rlStateFile       string

	consecutiveErrors int
	authForbiddenLast time.Time

	// injectable for tests
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewClient wires the pool and limiter with the configured retry/cooldown
// knobs. rlStateFile is removed alongside the token caches during the
// auth-forbidden cooldown so the bucket restarts full after re-issuance.
func NewClient(pool *Pool, limiter Limiter, kcfg config.KISConfig, rlStateFile string) *Client {
	return &Client{
		pool:              pool,
		limiter:           limiter,
		baseURL:           strings.TrimSuffix(kcfg.BaseURL(), "/"),
		custtype:          kcfg.Custtype,
		maxRetries:        kcfg.MaxRetries,
		backoffBase:       secDuration(kcfg.BackoffBaseSec),
		backoffCap:        secDuration(kcfg.BackoffCapSec),
		backoffJitter:     secDuration(kcfg.BackoffJitterSec),
		cooldownAfter:     kcfg.ConsecutiveErrorCooldownAfter,
		cooldownDur:       secDuration(kcfg.ConsecutiveErrorCooldownSec),
		authCooldown:      secDuration(kcfg.AuthForbiddenCooldownSec),
		sessionResetEvery: kcfg.SessionResetEvery,
		rlStateFile:       rlStateFile,
		sleep:             sleepContext,
		now:               time.Now,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// BaseURL exposes the environment endpoint for URL construction by callers.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Pool exposes the session pool for maintenance operations (reset, probe).
func (c *Client) Pool() *Pool {
	return c.pool
}

// Request executes the attempt loop until success, a fatal response, or an
// exhausted retry budget. Callers only ever see the final payload or error;
// all recovery happens here.
func (c *Client) Request(ctx context.Context, req Request) (Response, error) {
	retries := c.maxRetries
	if req.MaxRetries > 0 {
		retries = req.MaxRetries
	}
	if retries < 1 {
		retries = 1
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = json.Marshal(req.Body)
		if err != nil {
			return Response{}, fmt.Errorf("kis: marshal request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		if attempt > 1 {
			c.pool.Rotate()
		}
		sess := c.pool.Current()
		if attempt > 1 && c.sessionResetEvery > 0 && (attempt-1)%c.sessionResetEvery == 0 {
			sess.ResetConn()
		}

		if err := c.limiter.Acquire(ctx, req.Priority); err != nil {
			if ctx.Err() != nil {
				return Response{}, ctx.Err()
			}
			lastErr = &TransientError{Err: err}
			if err := c.afterTransient(ctx, attempt, retries, req.TRID, sess); err != nil {
				return Response{}, err
			}
			continue
		}

		token, err := c.ensureToken(ctx, sess)
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && !retryableStatus(se.Status) && se.Status != 403 {
				return Response{}, &FatalError{Status: se.Status, Body: se.Body}
			}
			if ctx.Err() != nil {
				return Response{}, ctx.Err()
			}
			lastErr = &TransientError{Err: err}
			if err := c.afterTransient(ctx, attempt, retries, req.TRID, sess); err != nil {
				return Response{}, err
			}
			continue
		}

		status, body, err := c.send(ctx, sess, method, req, token, bodyBytes)
		if err != nil {
			if ctx.Err() != nil {
				return Response{}, ctx.Err()
			}
			lastErr = &TransientError{Err: err}
			if err := c.afterTransient(ctx, attempt, retries, req.TRID, sess); err != nil {
				return Response{}, err
			}
			continue
		}

		out := classify(status, body)
		switch out.Kind {
		case outcomeSuccess:
			c.consecutiveErrors = 0
			return Response{Status: status, Body: body}, nil

		case outcomeTokenExpired:
			if out.AuthForbidden {
				if err := c.cooldownAuthForbidden(ctx, "api"); err != nil {
					return Response{}, err
				}
			}
			logger.Infof("KIS token expired (%d) for key %s, refreshing", out.Status, sess.keyPrefix())
			if tok, exp, ierr := sess.IssueToken(ctx); ierr == nil {
				sess.storeToken(tok, exp)
			} else {
				logger.Warnf("token re-issue failed for %s: %v", sess.keyPrefix(), ierr)
			}
			lastErr = &TransientError{Status: out.Status, Body: string(body)}
			// Re-attempt immediately with the refreshed token; no backoff.
			continue

		case outcomeTransient:
			logger.Errorf("KIS API error %d (%s): %s", out.Status, req.TRID, truncateBody(string(body)))
			lastErr = &TransientError{Status: out.Status, Body: string(body)}
			if err := c.afterTransient(ctx, attempt, retries, req.TRID, sess); err != nil {
				return Response{}, err
			}

		case outcomeFatal:
			return Response{}, &FatalError{Status: out.Status, Body: string(body)}
		}
	}

	if lastErr != nil {
		return Response{}, lastErr
	}
	return Response{}, fmt.Errorf("kis: request %s failed after %d attempts", req.TRID, retries)
}

// ensureToken wraps session token assurance with the 403 recovery path: a
// forbidden issuance triggers the pool-wide cooldown, then one more attempt.
func (c *Client) ensureToken(ctx context.Context, sess *Session) (string, error) {
	token, err := sess.EnsureToken(ctx)
	if err == nil {
		return token, nil
	}
	var se *StatusError
	if errors.As(err, &se) && se.Status == 403 {
		if cerr := c.cooldownAuthForbidden(ctx, "token"); cerr != nil {
			return "", cerr
		}
		return sess.EnsureToken(ctx)
	}
	return "", err
}

func (c *Client) send(ctx context.Context, sess *Session, method string, req Request, token string, body []byte) (int, []byte, error) {
	endpoint := req.URL
	if len(req.Params) > 0 {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint += sep + req.Params.Encode()
	}
	var reader io.Reader
	if method != http.MethodGet && len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json; charset=utf-8")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("appkey", sess.cred.AppKey)
	httpReq.Header.Set("appsecret", sess.cred.AppSecret)
	httpReq.Header.Set("tr_id", req.TRID)
	if c.custtype != "" {
		httpReq.Header.Set("custtype", c.custtype)
	}
	if method != http.MethodGet && len(body) > 0 {
		if hk := sess.Hashkey(ctx, body); hk != "" {
			httpReq.Header.Set("hashkey", hk)
		}
	}

	resp, err := sess.do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}

// afterTransient applies the consecutive-error cooldown and the per-attempt
// exponential backoff. The two are independent; the cooldown fires on top of
// the backoff once the counter reaches its threshold.
func (c *Client) afterTransient(ctx context.Context, attempt, retries int, trID string, sess *Session) error {
	c.consecutiveErrors++
	if c.cooldownAfter > 0 && c.consecutiveErrors >= c.cooldownAfter {
		logger.Warnf("KIS consecutive errors=%d, cooling down %s", c.consecutiveErrors, c.cooldownDur)
		if err := c.sleep(ctx, c.cooldownDur); err != nil {
			return err
		}
		c.consecutiveErrors = 0
	}
	if attempt < retries {
		delay := backoffDelay(attempt, c.backoffBase, c.backoffCap, c.backoffJitter)
		logger.Warnf("KIS retry %d/%d in %s (%s) using key %s", attempt, retries, delay.Round(time.Millisecond), trID, sess.keyPrefix())
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return nil
}

// cooldownAuthForbidden sleeps out the remainder of the 403 cooldown window,
// measured from the previous 403, then invalidates every cached token and
// resets every connection pool-wide. Back-to-back 403s never stack two full
// windows.
func (c *Client) cooldownAuthForbidden(ctx context.Context, reason string) error {
	if c.authCooldown <= 0 {
		return nil
	}
	now := c.now()
	sleepFor := c.authCooldown
	if !c.authForbiddenLast.IsZero() {
		elapsed := now.Sub(c.authForbiddenLast)
		if elapsed >= 0 && elapsed < c.authCooldown {
			sleepFor = c.authCooldown - elapsed
		}
	}
	c.authForbiddenLast = now
	logger.Warnf("KIS 403 (%s); cooling down %s and clearing token caches", reason, sleepFor.Round(time.Second))
	if err := c.sleep(ctx, sleepFor); err != nil {
		return err
	}
	c.clearAuthCaches()
	c.pool.ResetAll()
	return nil
}

func (c *Client) clearAuthCaches() {
	c.pool.ClearTokenCaches()
	if c.rlStateFile != "" {
		if err := os.Remove(c.rlStateFile); err != nil && !os.IsNotExist(err) {
			logger.Warnf("rate limit state remove failed: %v", err)
		}
	}
}
