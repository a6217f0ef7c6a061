// client.go contains the logic for talking to a NextRequest portal, everything here is
// specific to how NextRequest lays out its sign-in page and its client json api.

package nextrequest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"foiatool/internal/components/assert"
	"foiatool/internal/components/telemetry"
	"foiatool/internal/portal"
	"foiatool/lib/htmlutil"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

const (
	report_client_authenticate      = "client.authenticate"
	report_client_search            = "client.search"
	report_client_search_documents  = "client.search-documents"
	report_client_request           = "client.request"
	report_client_request_documents = "client.request-documents"
	report_client_download          = "client.download"
)

const (
	signInPath          = "/users/sign_in"
	requestsPath        = "/client/requests"
	documentsPath       = "/client/documents"
	requestDocumentPath = "/client/request_documents"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"

type Options struct {
	UserAgent string
	// Timeout bounds every api call, it does not apply to downloads which are bounded by their context.
	Timeout time.Duration
	// RequestsPerSecond is shared by every session created by the client.
	RequestsPerSecond float64
	CloudflareBypass  bool
}

func (o Options) withDefaults() Options {
	if o.UserAgent == "" {
		o.UserAgent = defaultUserAgent
	}
	if o.Timeout <= 0 {
		o.Timeout = time.Second * 30
	}
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = 2
	}
	return o
}

// Client implements portal.Client for NextRequest portals.
type Client struct {
	opts    Options
	limiter *rate.Limiter
	tel     telemetry.API
}

var _ portal.Client = (*Client)(nil)

func NewClient(tel telemetry.API, opts Options) *Client {
	assert.NotNil(tel)

	opts = opts.withDefaults()
	// max burst >= 2 just means that no requests will be dropped
	burst := int(opts.RequestsPerSecond)
	if burst < 2 {
		burst = 2
	}

	return &Client{
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst),
		tel:     telemetry.NewScopedAPI("nextrequest", tel),
	}
}

func (c *Client) newHttp(session portal.Session, timeout time.Duration) *resty.Client {
	httpClient := resty.New()
	httpClient.SetBaseURL(strings.TrimSuffix(session.BaseURL.String(), "/"))
	httpClient.SetCookieJar(session.Jar)
	if c.opts.CloudflareBypass {
		httpClient.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(httpClient.GetClient().Transport)
	}

	httpClient.SetHeader("user-agent", c.opts.UserAgent)
	httpClient.SetRedirectPolicy(resty.DomainCheckRedirectPolicy(session.BaseURL.Hostname()))
	if timeout > 0 {
		httpClient.SetTimeout(timeout)
	}

	httpClient.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		return c.limiter.Wait(req.Context())
	})
	telemetry.InstrumentResty(httpClient, c.tel, "foiatool.nextrequest")

	return httpClient
}

func (c *Client) api(session portal.Session) *resty.Client {
	httpClient := c.newHttp(session, c.opts.Timeout)
	httpClient.SetHeader("accept", "application/json")
	return httpClient
}

func parseDocument(res *resty.Response) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(bytes.NewBuffer(res.Body()))
}

func (c *Client) Authenticate(ctx context.Context, baseURL, user, password string) (portal.Session, error) {
	loginError := func(err error) error {
		return fmt.Errorf("nextrequest: login failed: %w", err)
	}

	parsedBaseURL, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return portal.Session{}, loginError(err)
	}
	if parsedBaseURL.Scheme == "" || parsedBaseURL.Host == "" {
		return portal.Session{}, loginError(fmt.Errorf("base url '%s' must be absolute", baseURL))
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return portal.Session{}, loginError(err)
	}
	session := portal.Session{
		BaseURL: parsedBaseURL,
		User:    user,
		Jar:     jar,
	}

	httpClient := c.newHttp(session, c.opts.Timeout)

	res, err := httpClient.R().
		SetContext(ctx).
		Get(signInPath)
	if err != nil {
		c.tel.ReportBroken(
			report_client_authenticate,
			fmt.Errorf("sign-in page request: %w", err),
		)
		return portal.Session{}, loginError(err)
	}
	if res.IsError() {
		err := fmt.Errorf("sign-in page: unexpected status %s", res.Status())
		c.tel.ReportBroken(report_client_authenticate, err)
		return portal.Session{}, loginError(err)
	}
	doc, err := parseDocument(res)
	if err != nil {
		c.tel.ReportBroken(
			report_client_authenticate,
			fmt.Errorf("parse sign-in page: %w", err),
		)
		return portal.Session{}, loginError(err)
	}

	token := htmlutil.CSRFToken(doc)
	if token == "" {
		err := fmt.Errorf("could not find authenticity token")
		c.tel.ReportBroken(report_client_authenticate, err)
		return portal.Session{}, loginError(err)
	}

	res, err = httpClient.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"authenticity_token": token,
			"user[email]":        user,
			"user[password]":     password,
		}).
		Post(signInPath)
	if err != nil {
		c.tel.ReportBroken(
			report_client_authenticate,
			fmt.Errorf("sign-in request: %w", err),
		)
		return portal.Session{}, loginError(err)
	}
	if res.IsError() {
		err := fmt.Errorf("sign-in: unexpected status %s", res.Status())
		c.tel.ReportWarning(report_client_authenticate, err, user)
		return portal.Session{}, loginError(err)
	}

	doc, err = parseDocument(res)
	if err != nil {
		c.tel.ReportBroken(
			report_client_authenticate,
			fmt.Errorf("parse sign-in response: %w", err),
		)
		return portal.Session{}, loginError(err)
	}
	if doc.Find("form#new_user").Length() > 0 {
		message := htmlutil.CleanText(doc.Find(".flash, .alert, .error"))
		if message == "" {
			message = "still on the sign-in page"
		}
		err := fmt.Errorf("rejected credentials: %s", message)
		c.tel.ReportWarning(report_client_authenticate, err, user)
		return portal.Session{}, loginError(err)
	}

	if refreshed := htmlutil.CSRFToken(doc); refreshed != "" {
		token = refreshed
	}
	session.Token = token
	return session, nil
}

func (c *Client) getJSON(ctx context.Context, httpClient *resty.Client, reportId, endpoint string, params map[string]string, out any) error {
	c.tel.ReportDebug(reportId, endpoint, params)

	req := httpClient.R().SetContext(ctx)
	if len(params) > 0 {
		req.SetQueryParams(params)
	}
	res, err := req.Get(endpoint)
	if err != nil {
		c.tel.ReportBroken(
			reportId,
			fmt.Errorf("fetch: %w", err),
			endpoint,
		)
		return err
	}
	if res.IsError() {
		err := fmt.Errorf("%s: unexpected status %s", endpoint, res.Status())
		c.tel.ReportBroken(reportId, err, params)
		return err
	}

	err = json.Unmarshal(res.Body(), out)
	if err != nil {
		c.tel.ReportBroken(
			reportId,
			fmt.Errorf("json unmarshal: %w", err),
			endpoint,
		)
		return fmt.Errorf("%s: decode: %w", endpoint, err)
	}
	return nil
}

func (c *Client) documents(ctx context.Context, session portal.Session, httpClient *resty.Client, requestID string) ([]portal.Document, error) {
	var documents []portal.Document
	consumed := 0
	for page := 0; ; page++ {
		var res requestDocumentsResponse
		err := c.getJSON(ctx, httpClient, report_client_request_documents, requestDocumentPath, map[string]string{
			"request_id":  requestID,
			"page_number": strconv.Itoa(page),
		}, &res)
		if err != nil {
			return nil, fmt.Errorf("documents of request %s: %w", requestID, err)
		}

		for _, d := range res.Documents {
			if d.ID == "" {
				c.tel.ReportWarning(
					report_client_request_documents,
					fmt.Errorf("document without id"),
					requestID,
					d.Title,
				)
				continue
			}
			documents = append(documents, d.toDocument(session.BaseURL, requestID))
		}

		consumed += len(res.Documents)
		if len(res.Documents) == 0 || consumed >= res.TotalCount {
			return documents, nil
		}
	}
}

func (c *Client) Search(ctx context.Context, session portal.Session, term string, opts portal.SearchOptions) iter.Seq2[portal.Request, error] {
	return func(yield func(portal.Request, error) bool) {
		httpClient := c.api(session)

		consumed := 0
		for page := 0; ; page++ {
			params := map[string]string{
				"search_term": term,
				"page_number": strconv.Itoa(page),
			}
			if opts.ClosedOnly {
				params["closed"] = "true"
			}

			var res searchResponse
			err := c.getJSON(ctx, httpClient, report_client_search, requestsPath, params, &res)
			if err != nil {
				yield(portal.Request{}, fmt.Errorf("search '%s' page %d: %w", term, page, err))
				return
			}
			if len(res.Requests) == 0 {
				return
			}

			for _, raw := range res.Requests {
				request := raw.toRequest()
				if request.ID == "" {
					c.tel.ReportWarning(report_client_search, fmt.Errorf("request without id"), term, page)
					continue
				}

				request.Documents, err = c.documents(ctx, session, httpClient, request.ID)
				if err != nil {
					yield(portal.Request{}, err)
					return
				}
				if !yield(request, nil) {
					return
				}
			}

			consumed += len(res.Requests)
			if consumed >= res.TotalCount {
				return
			}
		}
	}
}

func (c *Client) SearchDocuments(ctx context.Context, session portal.Session, term string) iter.Seq2[portal.Request, error] {
	return func(yield func(portal.Request, error) bool) {
		httpClient := c.api(session)
		yielded := map[string]struct{}{}

		consumed := 0
		for page := 0; ; page++ {
			var res documentSearchResponse
			err := c.getJSON(ctx, httpClient, report_client_search_documents, documentsPath, map[string]string{
				"search_term": term,
				"page_number": strconv.Itoa(page),
			}, &res)
			if err != nil {
				yield(portal.Request{}, fmt.Errorf("document search '%s' page %d: %w", term, page, err))
				return
			}
			if len(res.Documents) == 0 {
				return
			}

			for _, hit := range res.Documents {
				requestID := hit.requestID()
				if requestID == "" {
					c.tel.ReportWarning(report_client_search_documents, fmt.Errorf("document without request"), term, string(hit.ID))
					continue
				}
				if _, ok := yielded[requestID]; ok {
					continue
				}
				yielded[requestID] = struct{}{}

				request, err := c.Request(ctx, session, requestID)
				if err != nil {
					yield(portal.Request{}, err)
					return
				}
				if !yield(request, nil) {
					return
				}
			}

			consumed += len(res.Documents)
			if consumed >= res.TotalCount {
				return
			}
		}
	}
}

func (c *Client) Request(ctx context.Context, session portal.Session, requestID string) (portal.Request, error) {
	httpClient := c.api(session)

	var raw requestJSON
	err := c.getJSON(ctx, httpClient, report_client_request, fmt.Sprintf("%s/%s", requestsPath, url.PathEscape(requestID)), nil, &raw)
	if err != nil {
		return portal.Request{}, fmt.Errorf("request %s: %w", requestID, err)
	}

	request := raw.toRequest()
	if request.ID == "" {
		request.ID = requestID
	}
	request.Documents, err = c.documents(ctx, session, httpClient, request.ID)
	if err != nil {
		return portal.Request{}, err
	}
	return request, nil
}

func (c *Client) Download(ctx context.Context, session portal.Session, documentURL string) (io.ReadCloser, error) {
	c.tel.ReportDebug(report_client_download, documentURL)

	httpClient := c.newHttp(session, 0)
	// document urls redirect to object storage on another host
	httpClient.SetRedirectPolicy(resty.FlexibleRedirectPolicy(10))
	res, err := httpClient.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(documentURL)
	if err != nil {
		c.tel.ReportBroken(
			report_client_download,
			fmt.Errorf("fetch: %w", err),
			documentURL,
		)
		return nil, err
	}

	body := res.RawBody()
	if res.IsError() {
		if body != nil {
			body.Close()
		}
		err := fmt.Errorf("download %s: unexpected status %s", documentURL, res.Status())
		c.tel.ReportBroken(report_client_download, err)
		return nil, err
	}
	if body == nil {
		return nil, fmt.Errorf("download %s: empty response", documentURL)
	}
	return body, nil
}
