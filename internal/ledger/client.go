package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/accuwallet/inboxd/internal/accutil"
	"github.com/accuwallet/inboxd/internal/retry"
)

// CallStats counts RPC outcomes for one unit of work. The discovery pipeline
// uses it to tell "this user has nothing pending" apart from "the ledger was
// unreachable for this user".
type CallStats struct {
	Attempts atomic.Int64
	Failures atomic.Int64
}

// AllFailed reports whether at least one call was made and none succeeded.
func (s *CallStats) AllFailed() bool {
	if s == nil {
		return false
	}
	attempts := s.Attempts.Load()
	return attempts > 0 && s.Failures.Load() == attempts
}

// ClientOptions configures NewClient. Zero values use the defaults below.
type ClientOptions struct {
	Endpoint       string
	HTTPClient     *http.Client
	Logger         *slog.Logger
	Retry          retry.Config
	RequestTimeout time.Duration
}

// Client wraps the ledger's single JSON-RPC method, `query`, with a typed
// vocabulary. Transport failures are retried; protocol errors surface as
// *RPCError; schema surprises degrade to empty results.
type Client struct {
	endpoint       string
	httpClient     *http.Client
	logger         *slog.Logger
	retryCfg       retry.Config
	requestTimeout time.Duration
	nextID         *atomic.Uint64
	stats          *CallStats
}

func NewClient(opts ClientOptions) *Client {
	endpoint := strings.TrimRight(strings.TrimSpace(opts.Endpoint), "/")
	if endpoint == "" {
		endpoint = "https://mainnet.accumulatenetwork.io/v3"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoint:       endpoint,
		httpClient:     httpClient,
		logger:         logger,
		retryCfg:       opts.Retry,
		requestTimeout: timeout,
		nextID:         &atomic.Uint64{},
	}
}

// WithStats returns a view of the client that records every call into stats.
// The underlying transport and request-id sequence are shared.
func (c *Client) WithStats(stats *CallStats) *Client {
	view := *c
	view.stats = stats
	return &view
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// query posts one JSON-RPC query call and returns the decoded result map.
// Transient transport failures are retried with backoff; an error envelope
// is returned as *RPCError without retry.
func (c *Client) query(ctx context.Context, params any) (map[string]any, error) {
	if c.stats != nil {
		c.stats.Attempts.Add(1)
	}
	cfg := c.retryCfg
	isRetryable := cfg.IsRetryable
	if isRetryable == nil {
		isRetryable = retry.Transient
	}
	cfg.IsRetryable = func(err error) bool {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return false
		}
		return isRetryable(err)
	}
	var result map[string]any
	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		res, err := c.post(ctx, params)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil && c.stats != nil {
		c.stats.Failures.Add(1)
	}
	return result, err
}

func (c *Client) post(ctx context.Context, params any) (map[string]any, error) {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  "query",
		Params:  params,
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	var envelope rpcResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}
	if envelope.Error != nil {
		return nil, envelope.Error
	}
	var result map[string]any
	if len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, &result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

type rangeParams struct {
	Start  int  `json:"start"`
	Count  int  `json:"count"`
	Expand bool `json:"expand,omitempty"`
}

type subQuery struct {
	QueryType string       `json:"queryType"`
	Name      string       `json:"name,omitempty"`
	Range     *rangeParams `json:"range,omitempty"`
}

type scopeParams struct {
	Scope string    `json:"scope"`
	Query *subQuery `json:"query,omitempty"`
}

type txidParams struct {
	TxID string `json:"txid"`
}

// QueryPendingTxIDs paginates the pending sub-query of scope and returns the
// transaction ids in first-seen order, deduplicated. A transport failure mid
// pagination stops the walk and returns what was gathered so far.
func (c *Client) QueryPendingTxIDs(ctx context.Context, scope string, pageSize, maxPages int) []string {
	if pageSize <= 0 {
		pageSize = 100
	}
	if maxPages <= 0 {
		maxPages = 10
	}
	seen := make(map[string]struct{})
	var out []string
	for page := 0; page < maxPages; page++ {
		start := page * pageSize
		res, err := c.query(ctx, scopeParams{
			Scope: scope,
			Query: &subQuery{QueryType: "pending", Range: &rangeParams{Start: start, Count: pageSize}},
		})
		if err != nil {
			c.logger.Debug("pending query failed, returning partial results",
				"scope", scope, "page", page, "err", err)
			return out
		}
		records, total := pendingRecords(res)
		for _, rec := range records {
			id := extractTxID(rec)
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
		if len(records) < pageSize {
			return out
		}
		if total > 0 && start+len(records) >= total {
			return out
		}
	}
	return out
}

// pendingRecords locates the record list of a pending-range response.
func pendingRecords(res map[string]any) ([]any, int) {
	if res == nil {
		return nil, 0
	}
	if pending := mapAt(res, "pending"); pending != nil {
		records, _ := pending["records"].([]any)
		total := 0
		if v, ok := numAt(pending, "total"); ok {
			total = int(v)
		}
		return records, total
	}
	total := 0
	if v, ok := numAt(res, "total"); ok {
		total = int(v)
	}
	if strAt(res, "recordType") == "range" {
		records, _ := res["records"].([]any)
		return records, total
	}
	if items, ok := res["items"].([]any); ok {
		return items, total
	}
	records, _ := res["records"].([]any)
	return records, total
}

// QueryKeyBookPageCount returns the page count of a key book, or 0 when the
// account is missing, unreadable, or not a key book.
func (c *Client) QueryKeyBookPageCount(ctx context.Context, url string) int {
	res, err := c.query(ctx, scopeParams{Scope: url})
	if err != nil {
		c.logger.Debug("key book query failed", "url", url, "err", err)
		return 0
	}
	return parseKeyBookPageCount(res)
}

// QueryKeyPage returns the typed key page at url, or nil when the account is
// missing or not a key page.
func (c *Client) QueryKeyPage(ctx context.Context, url string) *KeyPage {
	res, err := c.query(ctx, scopeParams{Scope: url})
	if err != nil {
		c.logger.Debug("key page query failed", "url", url, "err", err)
		return nil
	}
	return parseKeyPage(res, url)
}

// QuerySignatureChain reads a window of the account's signature chain. The
// raw records are returned for the caller to interpret.
func (c *Client) QuerySignatureChain(ctx context.Context, url string, start, count int, expand bool) ([]any, int, error) {
	res, err := c.query(ctx, scopeParams{
		Scope: url,
		Query: &subQuery{
			QueryType: "chain",
			Name:      "signature",
			Range:     &rangeParams{Start: start, Count: count, Expand: expand},
		},
	})
	if err != nil {
		return nil, 0, err
	}
	records, _ := res["records"].([]any)
	total := 0
	if v, ok := numAt(res, "total"); ok {
		total = int(v)
	}
	return records, total, nil
}

// QueryDirectory lists the canonical URLs in the account's directory.
// Unrecognized record shapes are skipped.
func (c *Client) QueryDirectory(ctx context.Context, url string, start, count int) []string {
	if count <= 0 {
		count = 100
	}
	res, err := c.query(ctx, scopeParams{
		Scope: url,
		Query: &subQuery{QueryType: "directory", Range: &rangeParams{Start: start, Count: count}},
	})
	if err != nil {
		c.logger.Debug("directory query failed", "url", url, "err", err)
		return nil
	}
	records, _ := res["records"].([]any)
	var out []string
	for _, rec := range records {
		entry := directoryEntryURL(rec)
		if entry == "" {
			c.logger.Warn("skipping directory record with unknown shape", "url", url)
			continue
		}
		out = append(out, accutil.NormalizeURL(entry))
	}
	return out
}

// QueryTransaction fetches and fully parses a transaction by id. Returns nil
// when the transaction cannot be retrieved or the response holds no
// transaction object.
func (c *Client) QueryTransaction(ctx context.Context, txid string) *PendingTx {
	res, err := c.query(ctx, txidParams{TxID: txid})
	if err != nil {
		c.logger.Debug("transaction query failed", "txid", txid, "err", err)
		return nil
	}
	return parseTransaction(res, txid)
}

// QueryTransactionRaw fetches a transaction without paying the full-parse
// cost, for callers that only need the status field.
func (c *Client) QueryTransactionRaw(ctx context.Context, txid string) map[string]any {
	res, err := c.query(ctx, txidParams{TxID: txid})
	if err != nil {
		c.logger.Debug("raw transaction query failed", "txid", txid, "err", err)
		return nil
	}
	return res
}

// AccountExists reports whether a plain scope query for url succeeds.
func (c *Client) AccountExists(ctx context.Context, url string) bool {
	_, err := c.query(ctx, scopeParams{Scope: url})
	return err == nil
}
