package remotestore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/TIC-PURP/purp-sync/internal/store"
)

// Long-poll tuning: the heartbeat keeps caching proxies from cutting
// an idle feed, and the request timeout bounds how long a silent
// connection is tolerated.
const (
	DefaultHeartbeat      = 25 * time.Second
	DefaultRequestTimeout = 55 * time.Second
)

// ChangesOptions scopes one long-poll round against _changes.
type ChangesOptions struct {
	Since       string
	DocIDs      []string
	IncludeDocs bool
	Heartbeat   time.Duration
	Timeout     time.Duration
}

// Change is one row of a _changes response.
type Change struct {
	ID      string
	Rev     string
	Deleted bool
	Doc     *store.Document
}

// ChangesResult is one _changes batch plus the checkpoint to resume
// from.
type ChangesResult struct {
	Results []Change
	LastSeq string
}

// Changes runs one long-poll round. It returns as soon as at least one
// change lands, or with an empty batch when the server's poll window
// closes quietly.
func (s *Store) Changes(ctx context.Context, opts ChangesOptions) (*ChangesResult, error) {
	hb := opts.Heartbeat
	if hb <= 0 {
		hb = DefaultHeartbeat
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	q := url.Values{}
	q.Set("feed", "longpoll")
	q.Set("heartbeat", strconv.FormatInt(hb.Milliseconds(), 10))
	if opts.Since != "" {
		q.Set("since", opts.Since)
	}
	if opts.IncludeDocs {
		q.Set("include_docs", "true")
	}
	var payload []byte
	method := http.MethodGet
	if len(opts.DocIDs) > 0 {
		q.Set("filter", "_doc_ids")
		method = http.MethodPost
		var err error
		payload, err = json.Marshal(map[string]any{"doc_ids": opts.DocIDs})
		if err != nil {
			return nil, err
		}
	}
	u := s.dbURL("_changes") + "?" + q.Encode()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	respBody, err := s.do(ctx, method, u, payload)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Results []struct {
			ID      string `json:"id"`
			Deleted bool   `json:"deleted"`
			Changes []struct {
				Rev string `json:"rev"`
			} `json:"changes"`
			Doc json.RawMessage `json:"doc"`
		} `json:"results"`
		LastSeq json.RawMessage `json:"last_seq"`
	}
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, fmt.Errorf("decode changes response: %w", err)
	}

	out := &ChangesResult{LastSeq: seqString(raw.LastSeq)}
	for _, r := range raw.Results {
		c := Change{ID: r.ID, Deleted: r.Deleted}
		if len(r.Changes) > 0 {
			c.Rev = r.Changes[0].Rev
		}
		if len(r.Doc) > 0 {
			doc, err := docFromBody(r.Doc)
			if err != nil {
				return nil, err
			}
			c.Doc = doc
		}
		out.Results = append(out.Results, c)
	}
	return out, nil
}

// seqString tolerates both string and numeric sequence encodings.
func seqString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return string(raw)
}

// BulkResult is one per-document outcome of a _bulk_docs call. A
// non-empty Error means the remote's write validation refused the
// document; such rejections are not retried.
type BulkResult struct {
	ID     string `json:"id"`
	Rev    string `json:"rev"`
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// BulkDocs posts documents in one batch. With newEdits false the
// supplied revision tokens are preserved, which is how push
// replication keeps both stores on the same lineage.
func (s *Store) BulkDocs(ctx context.Context, docs []*store.Document, newEdits bool) ([]BulkResult, error) {
	bodies := make([]json.RawMessage, 0, len(docs))
	for _, d := range docs {
		b, err := store.WithIDRev(d.Body, d.ID, d.Rev)
		if err != nil {
			return nil, err
		}
		if d.Deleted {
			var m map[string]any
			if err := json.Unmarshal(b, &m); err != nil {
				return nil, err
			}
			m["_deleted"] = true
			if b, err = json.Marshal(m); err != nil {
				return nil, err
			}
		}
		bodies = append(bodies, b)
	}

	payload, err := json.Marshal(map[string]any{"docs": bodies, "new_edits": newEdits})
	if err != nil {
		return nil, err
	}
	respBody, err := s.do(ctx, http.MethodPost, s.dbURL("_bulk_docs"), payload)
	if err != nil {
		return nil, err
	}

	var results []BulkResult
	if err := json.Unmarshal(respBody, &results); err != nil {
		return nil, fmt.Errorf("decode bulk response: %w", err)
	}
	return results, nil
}
