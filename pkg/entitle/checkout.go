package entitle

import "net/url"

const (
	// DefaultCheckoutParam is the query parameter the checkout success
	// redirect carries back into the app.
	DefaultCheckoutParam = "checkout"
	// DefaultCheckoutValue marks a completed payment.
	DefaultCheckoutValue = "success"
)

// ConsumeCheckoutMarker reports whether u carries the "just paid" marker
// and returns a copy of u with the marker stripped. Other query
// parameters are preserved. An empty param uses DefaultCheckoutParam.
func ConsumeCheckoutMarker(u *url.URL, param string) (*url.URL, bool) {
	if u == nil {
		return nil, false
	}
	if param == "" {
		param = DefaultCheckoutParam
	}
	q := u.Query()
	if q.Get(param) != DefaultCheckoutValue {
		return u, false
	}
	q.Del(param)
	stripped := *u
	stripped.RawQuery = q.Encode()
	return &stripped, true
}
