package kis

import "github.com/tidwall/gjson"

// tokenExpiredCode is the brokerage's error code for an expired token, which
// it reports under HTTP 500 rather than 401.
const tokenExpiredCode = "EGW00123"

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeTokenExpired
	outcomeTransient
	outcomeFatal
)

// outcome is the tagged classification of one HTTP response; the request loop
// switches on Kind instead of unwinding through error types.
type outcome struct {
	Kind   outcomeKind
	Status int
	// AuthForbidden flags the 403 case, which additionally triggers the
	// pool-wide cooldown before the token refresh.
	AuthForbidden bool
}

func classify(status int, body []byte) outcome {
	switch {
	case status >= 200 && status < 300:
		return outcome{Kind: outcomeSuccess, Status: status}
	case status == 401:
		return outcome{Kind: outcomeTokenExpired, Status: status}
	case status == 403:
		return outcome{Kind: outcomeTokenExpired, Status: status, AuthForbidden: true}
	case status == 500 && gjson.GetBytes(body, "msg_cd").String() == tokenExpiredCode:
		return outcome{Kind: outcomeTokenExpired, Status: status}
	case retryableStatus(status):
		return outcome{Kind: outcomeTransient, Status: status}
	default:
		return outcome{Kind: outcomeFatal, Status: status}
	}
}
