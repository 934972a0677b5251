package davfacade

import (
	"context"
	"errors"
	"net/http"
)

// maxRedirects bounds the manual redirect chain executeFollowRedirects will
// follow before giving up.
const maxRedirects = 10

// ErrTooManyRedirects is returned once a GET chain exceeds maxRedirects hops
// without reaching a non-redirect status.
var ErrTooManyRedirects = errors.New("davfacade: too many redirects")

// executeFollowRedirects issues a GET against url and manually follows any
// 301/302/303/307 response carrying a Location header, releasing each
// intermediate response body before following. The caller is responsible for
// closing the body of the final response it receives.
func executeFollowRedirects(ctx context.Context, client *http.Client, url string) (*http.Response, error) {
	current := url
	for hop := 0; ; hop++ {
		if hop > maxRedirects {
			return nil, ErrTooManyRedirects
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		location := resp.Header.Get("Location")
		if !isRedirectStatus(resp.StatusCode) || location == "" {
			return resp, nil
		}
		resp.Body.Close()
		current = location
	}
}

func isRedirectStatus(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther, http.StatusTemporaryRedirect:
		return true
	default:
		return false
	}
}

// getStatus issues an unauthenticated GET against url and returns only its
// status code, always releasing the connection back to the pool.
func getStatus(ctx context.Context, client *http.Client, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
