package davfacade

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrBackend is the sentinel every *HttpException matches via errors.Is, so
// callers can distinguish a backend-returned failure status from a
// transport-level error (timeout, connection refused) without a type
// assertion on *HttpException.
var ErrBackend = errors.New("davfacade: backend request failed")

// HttpException wraps a non-success WebDAV/HTTP status into an error,
// translating the Exchange-specific 440 "Login Timeout" into a plain 403
// Forbidden so callers never need to special-case the Exchange status.
type HttpException struct {
	StatusCode int
	Status     string
}

func (e *HttpException) Error() string {
	return fmt.Sprintf("%d %s", e.StatusCode, e.Status)
}

func (e *HttpException) Is(target error) bool {
	return target == ErrBackend
}

// buildHttpException maps resp's status to an *HttpException, translating
// 440 to 403 Forbidden.
func buildHttpException(resp *http.Response) *HttpException {
	if resp.StatusCode == 440 {
		return &HttpException{StatusCode: http.StatusForbidden, Status: "403 Forbidden"}
	}
	return &HttpException{StatusCode: resp.StatusCode, Status: resp.Status}
}

// executeSearchMethod issues a WebDAV SEARCH with the given SQL-like query
// string, requiring a 207 Multi-Status response.
func executeSearchMethod(ctx context.Context, client *http.Client, url, sql string) (*http.Response, error) {
	var body strings.Builder
	body.WriteString(xml.Header)
	body.WriteString("<d:searchrequest xmlns:d=\"DAV:\"><d:sql>")
	xml.EscapeText(&body, []byte(sql))
	body.WriteString("</d:sql></d:searchrequest>")

	req, err := http.NewRequestWithContext(ctx, "SEARCH", url, strings.NewReader(body.String()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/xml")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusMultiStatus {
		defer resp.Body.Close()
		return nil, buildHttpException(resp)
	}
	return resp, nil
}

// executePropFind issues a PROPFIND for the named properties at the given
// depth ("0" or "1"), requiring a 207 Multi-Status response.
func executePropFind(ctx context.Context, client *http.Client, url, depth string, properties []string) (*http.Response, error) {
	var body strings.Builder
	body.WriteString(xml.Header)
	body.WriteString(`<d:propfind xmlns:d="DAV:"><d:prop>`)
	for _, p := range properties {
		body.WriteString("<d:")
		xml.EscapeText(&body, []byte(p))
		body.WriteString("/>")
	}
	body.WriteString("</d:prop></d:propfind>")

	req, err := http.NewRequestWithContext(ctx, "PROPFIND", url, strings.NewReader(body.String()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/xml")
	req.Header.Set("Depth", depth)
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusMultiStatus {
		defer resp.Body.Close()
		return nil, buildHttpException(resp)
	}
	return resp, nil
}

// executeDelete issues DELETE against url. A resource that is already gone
// (404) is treated the same as a successful delete (200), matching
// Exchange's idempotent-delete behavior: a caller retrying a delete after a
// timeout must not see an error just because the first attempt succeeded.
func executeDelete(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return buildHttpException(resp)
	}
}

// executeDav issues an arbitrary DAV method against url with an optional
// body, requiring a 207 Multi-Status response.
func executeDav(ctx context.Context, client *http.Client, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/xml")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusMultiStatus {
		defer resp.Body.Close()
		return nil, buildHttpException(resp)
	}
	return resp, nil
}
