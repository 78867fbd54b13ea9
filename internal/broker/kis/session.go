package kis

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"bnfk/internal/config"
	"bnfk/internal/logger"

	"github.com/tidwall/gjson"
)

// tokenSafetyMargin is how far ahead of expiry a cached token is still
// trusted; anything closer gets re-issued.
const tokenSafetyMargin = 5 * time.Minute

// Session couples one credential with its token cache, hashkey slot, and HTTP
// connection. Owned by the Pool at a fixed index for the process lifetime.
type Session struct {
	cred     config.Credential
	baseURL  string
	client   *http.Client
	cache    *tokenCache
	timeouts sessionTimeouts

	token     string
	tokenExp  time.Time
	expiresIn time.Duration // issuance default when the response omits expires_in

	useHashkey bool
	hashTTL    time.Duration
	hashFP     string
	hashValue  string
	hashAt     time.Time
}

type sessionTimeouts struct {
	connect time.Duration
	read    time.Duration
}

func newSession(cred config.Credential, baseURL, cacheBasePath string, useHashkey bool, hashTTL time.Duration, timeouts sessionTimeouts) *Session {
	s := &Session{
		cred:       cred,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		cache:      &tokenCache{path: perKeyCachePath(cacheBasePath, cred.AppKey)},
		timeouts:   timeouts,
		expiresIn:  time.Hour,
		useHashkey: useHashkey,
		hashTTL:    hashTTL,
	}
	s.client = s.newHTTPClient()
	return s
}

// perKeyCachePath splits one configured cache path into per-credential files
// keyed by the app key prefix.
func perKeyCachePath(base, appKey string) string {
	prefix := appKey
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	if strings.HasSuffix(base, ".json") {
		return strings.TrimSuffix(base, ".json") + "_" + prefix + ".json"
	}
	return base + "_" + prefix
}

func (s *Session) newHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: s.timeouts.connect}).DialContext
	return &http.Client{
		Timeout:   s.timeouts.read,
		Transport: transport,
	}
}

// ResetConn replaces the HTTP connection handle, leaving token state intact.
func (s *Session) ResetConn() {
	if s.client != nil {
		s.client.CloseIdleConnections()
	}
	s.client = s.newHTTPClient()
}

func (s *Session) keyPrefix() string {
	if len(s.cred.AppKey) > 8 {
		return s.cred.AppKey[:8]
	}
	return s.cred.AppKey
}

// EnsureToken returns a bearer token, reusing memory or disk state while the
// expiry is more than the safety margin away, issuing a fresh one otherwise.
func (s *Session) EnsureToken(ctx context.Context) (string, error) {
	if s.token == "" {
		if token, exp, ok := s.cache.Load(); ok {
			s.token = token
			s.tokenExp = exp
		}
	}
	if s.token != "" && s.tokenExp.After(time.Now().Add(tokenSafetyMargin)) {
		return s.token, nil
	}
	token, exp, err := s.IssueToken(ctx)
	if err != nil {
		return "", err
	}
	s.storeToken(token, exp)
	return token, nil
}

func (s *Session) storeToken(token string, exp time.Time) {
	s.token = token
	s.tokenExp = exp
	if err := s.cache.Save(token, exp); err != nil {
		logger.Warnf("token cache save failed for %s: %v", s.keyPrefix(), err)
	}
}

// IssueToken performs the client-credentials exchange.
func (s *Session) IssueToken(ctx context.Context) (string, time.Time, error) {
	body := fmt.Sprintf(`{"grant_type":"client_credentials","appkey":%q,"appsecret":%q}`, s.cred.AppKey, s.cred.AppSecret)
	data, err := s.postJSON(ctx, s.baseURL+"/oauth2/tokenP", body, nil)
	if err != nil {
		return "", time.Time{}, err
	}
	res := gjson.ParseBytes(data)
	token := res.Get("access_token").String()
	if token == "" {
		token = res.Get("approval_key").String()
	}
	if token == "" {
		return "", time.Time{}, fmt.Errorf("kis: token response missing access_token: %s", truncateBody(string(data)))
	}
	expSec := res.Get("expires_in").Int()
	ttl := s.expiresIn
	if expSec > 0 {
		ttl = time.Duration(expSec) * time.Second
	}
	return token, time.Now().UTC().Add(ttl), nil
}

// IssueWSApproval obtains the websocket approval key for realtime feeds.
func (s *Session) IssueWSApproval(ctx context.Context) (string, error) {
	body := fmt.Sprintf(`{"grant_type":"client_credentials","appkey":%q,"secretkey":%q}`, s.cred.AppKey, s.cred.AppSecret)
	data, err := s.postJSON(ctx, s.baseURL+"/oauth2/Approval", body, nil)
	if err != nil {
		return "", err
	}
	key := gjson.GetBytes(data, "approval_key").String()
	if key == "" {
		return "", fmt.Errorf("kis: ws approval_key missing: %s", truncateBody(string(data)))
	}
	return key, nil
}

// Hashkey returns the brokerage signature for a request body, serving repeats
// of the same body from a single-slot cache. Only the most recent body is
// remembered; alternating bodies recompute every time. Failures are non-fatal
// and yield an empty key.
func (s *Session) Hashkey(ctx context.Context, body []byte) string {
	if !s.useHashkey || len(body) == 0 {
		return ""
	}
	fp := string(body)
	if s.hashFP == fp && s.hashValue != "" && time.Since(s.hashAt) <= s.hashTTL {
		return s.hashValue
	}

	headers := map[string]string{
		"appkey":    s.cred.AppKey,
		"appsecret": s.cred.AppSecret,
	}
	data, err := s.postJSON(ctx, s.baseURL+"/uapi/hashkey", string(body), headers)
	if err != nil {
		logger.Warnf("hashkey fetch failed for %s: %v", s.keyPrefix(), err)
		return ""
	}
	res := gjson.ParseBytes(data)
	hash := res.Get("HASH").String()
	if hash == "" {
		hash = res.Get("hash").String()
	}
	if hash == "" {
		hash = res.Get("output.HASH").String()
	}
	if hash != "" {
		s.hashFP = fp
		s.hashValue = hash
		s.hashAt = time.Now()
	}
	return hash
}

// clearAuthState drops the in-memory token and hashkey slot and deletes the
// cache file, forcing full re-issuance on the next call.
func (s *Session) clearAuthState() {
	s.token = ""
	s.tokenExp = time.Time{}
	s.hashFP = ""
	s.hashValue = ""
	s.hashAt = time.Time{}
	s.cache.Clear()
}

func (s *Session) postJSON(ctx context.Context, url, body string, extraHeaders map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Status: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

// do issues a prepared API request through this session's connection handle.
func (s *Session) do(req *http.Request) (*http.Response, error) {
	return s.client.Do(req)
}
