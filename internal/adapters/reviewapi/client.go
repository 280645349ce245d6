// Package reviewapi is the client for the external review-management API:
// a paginated list of reviews per resource behind a bearer token.
//
// The client makes exactly one HTTP attempt per call. Retrying is the
// caller's job (see internal/retry); failures are reported as
// *retry.HTTPError or transport errors so they classify correctly.
package reviewapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/tbourn/review-pipeline/internal/retry"
)

// ErrResourceNotFound is returned when the API does not know the resource.
var ErrResourceNotFound = errors.New("resource not found upstream")

// Reviewer is the public author of a review.
type Reviewer struct {
	DisplayName string `json:"displayName"`
}

// Reply is the owner reply currently published on a review.
type Reply struct {
	Comment    string `json:"comment"`
	UpdateTime string `json:"updateTime"`
}

// Review is a review as returned by the API.
type Review struct {
	ReviewID    string   `json:"reviewId"`
	Reviewer    Reviewer `json:"reviewer"`
	StarRating  string   `json:"starRating"`
	Comment     string   `json:"comment"`
	CreateTime  string   `json:"createTime"`
	UpdateTime  string   `json:"updateTime"`
	ReviewReply *Reply   `json:"reviewReply,omitempty"`
}

// Page is one page of results.
type Page struct {
	Reviews       []Review `json:"reviews"`
	NextPageToken string   `json:"nextPageToken,omitempty"`
	// Raw holds the undecoded body for archiving.
	Raw []byte `json:"-"`
}

// Client talks to the review API.
type Client struct {
	http     *resty.Client
	pageSize int
}

// NewClient configures a client for baseURL authenticated with token.
func NewClient(baseURL, token string, timeout time.Duration, pageSize int) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("review API baseURL cannot be empty")
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Accept", "application/json").
		SetTimeout(timeout)
	if token != "" {
		c.SetAuthToken(token)
	}
	return &Client{http: c, pageSize: pageSize}, nil
}

// ListReviews fetches one page of reviews for resourceName in ascending
// update-time order. An empty pageToken requests the first page. A non-zero
// updatedAfter is passed as a server-side filter hint; callers must still
// filter, since the API may ignore it.
func (c *Client) ListReviews(ctx context.Context, resourceName, pageToken string, updatedAfter time.Time) (*Page, error) {
	op := "reviewapi.list"
	req := c.http.R().
		SetContext(ctx).
		SetRawPathParam("resource", resourceName).
		SetQueryParam("pageSize", strconv.Itoa(c.pageSize)).
		SetQueryParam("orderBy", "updateTime")
	if pageToken != "" {
		req.SetQueryParam("pageToken", pageToken)
	}
	if !updatedAfter.IsZero() {
		req.SetQueryParam("updatedAfter", updatedAfter.UTC().Format(time.RFC3339Nano))
	}

	resp, err := req.Get("/v1/{resource}/reviews")
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", op, resourceName, err)
	}

	if resp.StatusCode() == http.StatusNotFound {
		// An unknown resource is final whatever the error page looks like.
		he := httpError(op, resp)
		he.NonJSON = false
		return nil, fmt.Errorf("%w: %s: %w", ErrResourceNotFound, resourceName, he)
	}
	if resp.IsError() {
		return nil, httpError(op, resp)
	}
	if !retry.IsJSONContentType(resp.Header().Get("Content-Type")) {
		he := httpError(op, resp)
		he.NonJSON = true
		return nil, he
	}

	var page Page
	if err := json.Unmarshal(resp.Body(), &page); err != nil {
		return nil, fmt.Errorf("%s %s: decode page: %w", op, resourceName, err)
	}
	page.Raw = resp.Body()
	return &page, nil
}

func httpError(op string, resp *resty.Response) *retry.HTTPError {
	return &retry.HTTPError{
		Op:          op,
		StatusCode:  resp.StatusCode(),
		ContentType: resp.Header().Get("Content-Type"),
		RetryAfter:  retry.ParseRetryAfter(resp.Header().Get("Retry-After")),
		NonJSON:     retry.UnexpectedBody(resp.Header().Get("Content-Type"), resp.Body()),
		Body:        truncate(resp.String(), 300),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
