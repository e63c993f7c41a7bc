package session

import "net/http"

// Credential is the dashboard user's session as presented to the backend. The
// view passes it along to the loader and the push channel without reading it.
type Credential struct {
	Token   string
	Cookies []*http.Cookie
}

// Apply attaches the credential to an outgoing backend request.
func (c Credential) Apply(req *http.Request) {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	for _, cookie := range c.Cookies {
		req.AddCookie(cookie)
	}
}

// Header returns the credential as handshake headers for a WebSocket dial.
func (c Credential) Header() http.Header {
	req := &http.Request{Header: http.Header{}}
	c.Apply(req)
	return req.Header
}

// FromRequest captures the credential of an incoming dashboard request: its
// bearer token (already validated upstream of this call) and the session cookie.
func FromRequest(r *http.Request, token, cookieName string) Credential {
	cred := Credential{Token: token}
	if cookieName != "" {
		if cookie, err := r.Cookie(cookieName); err == nil {
			cred.Cookies = append(cred.Cookies, &http.Cookie{Name: cookie.Name, Value: cookie.Value})
		}
	}
	return cred
}
