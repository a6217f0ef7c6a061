package nextrequest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"foiatool/internal/components/telemetry"
	"foiatool/internal/portal"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const signInPage = `<html><head><meta name="csrf-token" content="meta-token"></head><body>
<form id="new_user" action="/users/sign_in" method="post">
	<input type="hidden" name="authenticity_token" value="form-token">
	<input name="user[email]"><input name="user[password]" type="password">
</form></body></html>`

const rejectedPage = `<html><body>
<div class="flash">Invalid email or password.</div>
<form id="new_user"><input type="hidden" name="authenticity_token" value="form-token"></form>
</body></html>`

type fakePortal struct {
	t        testing.TB
	requests []requestJSON
	// documents by request id
	documents map[string][]documentJSON
	// document search hits by term
	hits             map[string][]documentHitJSON
	pageSize         int
	searched         []string
	closed           []string
	documentSearched []string
}

func (f *fakePortal) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("content-type", "application/json")
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		f.t.Fatal(err)
	}
}

func page[T any](items []T, pageNumber, size int) []T {
	start := pageNumber * size
	if start >= len(items) {
		return nil
	}
	end := start + size
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

func (f *fakePortal) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/sign_in", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, signInPage)
	})
	mux.HandleFunc("POST /users/sign_in", func(w http.ResponseWriter, r *http.Request) {
		err := r.ParseForm()
		if err != nil {
			f.t.Fatal(err)
		}
		if r.PostForm.Get("authenticity_token") != "form-token" ||
			r.PostForm.Get("user[email]") != "reporter@example.com" ||
			r.PostForm.Get("user[password]") != "hunter2" {
			fmt.Fprint(w, rejectedPage)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "_session", Value: "ok", Path: "/"})
		fmt.Fprint(w, `<html><head><meta name="csrf-token" content="fresh-token"></head><body>welcome</body></html>`)
	})
	mux.HandleFunc("GET /client/requests", func(w http.ResponseWriter, r *http.Request) {
		if !f.loggedIn(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		pageNumber, _ := strconv.Atoi(r.URL.Query().Get("page_number"))
		f.searched = append(f.searched, r.URL.Query().Get("search_term"))
		f.closed = append(f.closed, r.URL.Query().Get("closed"))
		f.writeJSON(w, map[string]any{
			"total_count": len(f.requests),
			"requests":    page(f.requests, pageNumber, f.pageSize),
		})
	})
	mux.HandleFunc("GET /client/requests/{id}", func(w http.ResponseWriter, r *http.Request) {
		for _, req := range f.requests {
			if string(req.ID) == r.PathValue("id") {
				f.writeJSON(w, req)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("GET /client/documents", func(w http.ResponseWriter, r *http.Request) {
		if !f.loggedIn(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		term := r.URL.Query().Get("search_term")
		pageNumber, _ := strconv.Atoi(r.URL.Query().Get("page_number"))
		f.documentSearched = append(f.documentSearched, term)
		f.writeJSON(w, map[string]any{
			"total_count": len(f.hits[term]),
			"documents":   page(f.hits[term], pageNumber, f.pageSize),
		})
	})
	mux.HandleFunc("GET /client/request_documents", func(w http.ResponseWriter, r *http.Request) {
		docs := f.documents[r.URL.Query().Get("request_id")]
		pageNumber, _ := strconv.Atoi(r.URL.Query().Get("page_number"))
		f.writeJSON(w, map[string]any{
			"total_documents_count": len(docs),
			"documents":             page(docs, pageNumber, f.pageSize),
		})
	})
	mux.HandleFunc("GET /documents/{id}/download", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "broken" {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, "boom")
			return
		}
		fmt.Fprintf(w, "contents of %s", r.PathValue("id"))
	})
	return mux
}

func (f *fakePortal) loggedIn(r *http.Request) bool {
	cookie, err := r.Cookie("_session")
	return err == nil && cookie.Value == "ok"
}

func newFixture(t testing.TB) (*fakePortal, *httptest.Server, *Client) {
	f := &fakePortal{
		t:        t,
		pageSize: 2,
		requests: []requestJSON{
			{ID: "21-1", Title: "Police contracts", RequestText: "all contracts", State: "Closed", Date: "2021-03-04"},
			{ID: "21-2", Title: "Budget", State: "Closed", Date: "March 5, 2021"},
			{ID: "21-3", Title: "Emails", State: "Closed"},
		},
		documents: map[string][]documentJSON{
			"21-1": {
				{ID: "100", FileName: "contract.pdf", DocumentURL: "/documents/100/download"},
				{ID: "101", Title: "appendix.pdf"},
				{ID: "102", FileName: "letter.pdf"},
			},
			"21-3": {
				{ID: "", Title: "ghost"},
			},
		},
		hits: map[string][]documentHitJSON{
			"invoice": {
				{ID: "100", PrettyID: "21-1", RequestID: "9001"},
				{ID: "101", PrettyID: "21-1", RequestID: "9001"},
				{ID: "300", RequestID: "21-3"},
				{ID: "400"},
				{ID: "102", PrettyID: "21-1", RequestID: "9001"},
			},
		},
	}
	server := httptest.NewServer(f.handler())
	t.Cleanup(server.Close)

	client := NewClient(telemetry.NewRecorder(), Options{
		RequestsPerSecond: 1000,
		Timeout:           5 * time.Second,
	})
	return f, server, client
}

func login(t testing.TB, client *Client, server *httptest.Server) portal.Session {
	session, err := client.Authenticate(context.Background(), server.URL, "reporter@example.com", "hunter2")
	require.NoError(t, err)
	return session
}

func TestAuthenticate(t *testing.T) {
	_, server, client := newFixture(t)

	session := login(t, client, server)
	require.Equal(t, "fresh-token", session.Token)
	require.Equal(t, "reporter@example.com", session.User)
	require.NotEmpty(t, session.Jar.Cookies(session.BaseURL))

	_, err := client.Authenticate(context.Background(), server.URL, "reporter@example.com", "wrong")
	require.ErrorContains(t, err, "Invalid email or password.")

	_, err = client.Authenticate(context.Background(), "not a url", "a", "b")
	require.Error(t, err)
}

func TestSearch(t *testing.T) {
	f, server, client := newFixture(t)
	session := login(t, client, server)

	var found []portal.Request
	for req, err := range client.Search(context.Background(), session, "contracts", portal.SearchOptions{ClosedOnly: true}) {
		require.NoError(t, err)
		found = append(found, req)
	}

	require.Len(t, found, 3)
	require.Equal(t, []string{"contracts", "contracts"}, f.searched)
	require.Equal(t, []string{"true", "true"}, f.closed)

	require.Equal(t, "all contracts", found[0].Description)
	require.Equal(t, time.Date(2021, 3, 4, 0, 0, 0, 0, time.UTC), found[0].SubmittedAt)
	require.Equal(t, time.Date(2021, 3, 5, 0, 0, 0, 0, time.UTC), found[1].SubmittedAt)
	require.True(t, found[2].SubmittedAt.IsZero())

	expected := []portal.Document{
		{ID: "100", RequestID: "21-1", FileName: "contract.pdf", URL: server.URL + "/documents/100/download"},
		{ID: "101", RequestID: "21-1", FileName: "appendix.pdf", URL: server.URL + "/documents/101/download"},
		{ID: "102", RequestID: "21-1", FileName: "letter.pdf", URL: server.URL + "/documents/102/download"},
	}
	if diff := cmp.Diff(expected, found[0].Documents); diff != "" {
		t.Fatalf("documents mismatch (-want +got):\n%s", diff)
	}
	require.Empty(t, found[1].Documents)
	require.Empty(t, found[2].Documents)
}

func TestSearchStopsEarly(t *testing.T) {
	f, server, client := newFixture(t)
	session := login(t, client, server)

	for req, err := range client.Search(context.Background(), session, "", portal.SearchOptions{}) {
		require.NoError(t, err)
		require.Equal(t, "21-1", req.ID)
		break
	}
	require.Len(t, f.searched, 1)
	require.Equal(t, []string{""}, f.closed)
}

func TestSearchUnauthenticated(t *testing.T) {
	_, server, client := newFixture(t)
	session := login(t, client, server)
	session.Jar.SetCookies(session.BaseURL, []*http.Cookie{{Name: "_session", Value: "expired", Path: "/"}})

	count := 0
	for _, err := range client.Search(context.Background(), session, "", portal.SearchOptions{}) {
		count++
		require.ErrorContains(t, err, "401")
	}
	require.Equal(t, 1, count)
}

func TestSearchDocuments(t *testing.T) {
	f, server, client := newFixture(t)
	session := login(t, client, server)

	var ids []string
	for req, err := range client.SearchDocuments(context.Background(), session, "invoice") {
		require.NoError(t, err)
		ids = append(ids, req.ID)
		if req.ID == "21-1" {
			require.Len(t, req.Documents, 3)
			require.Equal(t, "21-1", req.Documents[0].RequestID)
		}
	}

	// every parent request once, hits without a request are dropped
	require.Equal(t, []string{"21-1", "21-3"}, ids)
	require.Equal(t, []string{"invoice", "invoice", "invoice"}, f.documentSearched)
	require.Empty(t, f.searched)
}

func TestSearchDocumentsMissingRequest(t *testing.T) {
	f, server, client := newFixture(t)
	f.hits["audit"] = []documentHitJSON{{ID: "500", PrettyID: "99-9"}}
	session := login(t, client, server)

	count := 0
	for _, err := range client.SearchDocuments(context.Background(), session, "audit") {
		count++
		require.ErrorContains(t, err, "404")
	}
	require.Equal(t, 1, count)
}

func TestRequest(t *testing.T) {
	_, server, client := newFixture(t)
	session := login(t, client, server)

	req, err := client.Request(context.Background(), session, "21-1")
	require.NoError(t, err)
	require.Equal(t, "Police contracts", req.Title)
	require.Len(t, req.Documents, 3)

	_, err = client.Request(context.Background(), session, "99-9")
	require.Error(t, err)
}

func TestDownload(t *testing.T) {
	_, server, client := newFixture(t)
	session := login(t, client, server)

	body, err := client.Download(context.Background(), session, server.URL+"/documents/100/download")
	require.NoError(t, err)
	contents, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	require.Equal(t, "contents of 100", string(contents))

	_, err = client.Download(context.Background(), session, server.URL+"/documents/broken/download")
	require.ErrorContains(t, err, "500")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = client.Download(ctx, session, server.URL+"/documents/100/download")
	require.Error(t, err)
}
