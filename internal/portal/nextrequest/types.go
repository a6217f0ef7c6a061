package nextrequest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"foiatool/internal/portal"
)

// flexID is an identifier the portal sometimes sends as a number and sometimes as a string.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		err := json.Unmarshal(data, &s)
		if err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	err := json.Unmarshal(data, &n)
	if err != nil {
		return fmt.Errorf("id is neither a string nor a number: %s", string(data))
	}
	*f = flexID(n.String())
	return nil
}

type requestJSON struct {
	ID          flexID `json:"id"`
	Title       string `json:"title"`
	RequestText string `json:"request_text"`
	State       string `json:"request_state"`
	Date        string `json:"request_date"`
}

type searchResponse struct {
	TotalCount int           `json:"total_count"`
	Requests   []requestJSON `json:"requests"`
}

// documentHitJSON is a single result of the document search, it only identifies its request.
type documentHitJSON struct {
	ID        flexID `json:"id"`
	PrettyID  flexID `json:"pretty_id"`
	RequestID flexID `json:"request_id"`
}

// requestID prefers the public request number, the one the request endpoints are keyed on.
func (d documentHitJSON) requestID() string {
	if d.PrettyID != "" {
		return string(d.PrettyID)
	}
	return string(d.RequestID)
}

type documentSearchResponse struct {
	TotalCount int               `json:"total_count"`
	Documents  []documentHitJSON `json:"documents"`
}

type documentJSON struct {
	ID          flexID `json:"id"`
	Title       string `json:"title"`
	FileName    string `json:"file_name"`
	DocumentURL string `json:"document_url"`
}

type requestDocumentsResponse struct {
	TotalCount int            `json:"total_documents_count"`
	Documents  []documentJSON `json:"documents"`
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"January 2, 2006",
	"01/02/2006",
}

func parseDate(text string) time.Time {
	text = strings.TrimSpace(text)
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, text)
		if err == nil {
			return t
		}
	}
	return time.Time{}
}

func (r requestJSON) toRequest() portal.Request {
	return portal.Request{
		ID:          string(r.ID),
		Title:       r.Title,
		Description: r.RequestText,
		State:       r.State,
		SubmittedAt: parseDate(r.Date),
	}
}

func (d documentJSON) toDocument(base *url.URL, requestID string) portal.Document {
	name := d.FileName
	if name == "" {
		name = d.Title
	}

	link := d.DocumentURL
	if link == "" {
		link = fmt.Sprintf("/documents/%s/download", url.PathEscape(string(d.ID)))
	}
	if parsed, err := url.Parse(link); err == nil && base != nil {
		link = base.ResolveReference(parsed).String()
	}

	return portal.Document{
		ID:        string(d.ID),
		RequestID: requestID,
		FileName:  name,
		URL:       link,
	}
}
