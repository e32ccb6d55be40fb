package driver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iipc/go-archiving-browser/behavior"
)

func newTestDriver(t *testing.T, conn *fakeConn) *Driver {
	t.Helper()
	return New(9200,
		WithRemoteWebSocketURL("ws://fake/devtools/page/1"),
		WithDialer(fakeDialer{conn: conn}),
	)
}

// scriptHappyPath wires up a fake chrome that replies to the
// enable/navigate sequence, fires Page.loadEventFired, answers the
// screenshot and document.URL queries, and (once asked) answers the
// outlinks query with a duplicate-containing, space-joined string.
// This is the happy-path visit: load, screenshot, outlinks.
func scriptHappyPath(conn *fakeConn, documentURL, outlinksValue string) {
	conn.onWrite = func(req rpcRequest) {
		switch req.Method {
		case "Page.navigate":
			conn.push(rpcMessage{Method: "Page.loadEventFired"})
		case "Page.captureScreenshot":
			data := base64.StdEncoding.EncodeToString([]byte("PNG"))
			conn.push(rpcMessage{ID: req.ID, Result: json.RawMessage(fmt.Sprintf(`{"data":%q}`, data))})
		case "Runtime.evaluate":
			params, _ := req.Params.(map[string]string)
			if params["expression"] == "document.URL" {
				conn.push(rpcMessage{ID: req.ID, Result: json.RawMessage(fmt.Sprintf(`{"result":{"value":%q}}`, documentURL))})
			} else {
				conn.push(rpcMessage{ID: req.ID, Result: json.RawMessage(fmt.Sprintf(`{"result":{"value":%q}}`, outlinksValue))})
			}
		}
	}
}

func TestBrowsePageHappyPath(t *testing.T) {
	conn := newFakeConn()
	scriptHappyPath(conn, "http://example/", "http://a http://b http://a")

	d := newTestDriver(t, conn)

	var gotScreenshot []byte
	var urlChanged bool

	outlinks, err := d.BrowsePage(context.Background(), "http://example/",
		nil,
		func(png []byte) { gotScreenshot = png },
		func(string) { urlChanged = true },
	)
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"http://a": {}, "http://b": {}}, outlinks)
	assert.Equal(t, []byte("PNG"), gotScreenshot)
	assert.False(t, urlChanged)
}

func TestBrowsePageURLChange(t *testing.T) {
	conn := newFakeConn()
	scriptHappyPath(conn, "http://example/redirected", "http://a http://b")

	d := newTestDriver(t, conn)

	var changedTo string
	_, err := d.BrowsePage(context.Background(), "http://example/",
		nil, nil,
		func(newURL string) { changedTo = newURL },
	)
	require.NoError(t, err)
	assert.Equal(t, "http://example/redirected", changedTo)
}

func TestBrowsePageDataURLsNotForwarded(t *testing.T) {
	conn := newFakeConn()
	scriptHappyPath(conn, "http://example/", "")

	var requested []string
	conn.onWrite = func(req rpcRequest) {
		switch req.Method {
		case "Page.navigate":
			conn.push(rpcMessage{
				Method: "Network.requestWillBeSent",
				Params: json.RawMessage(`{"request":{"url":"data:text/plain;base64,aGk="}}`),
			})
			conn.push(rpcMessage{
				Method: "Network.requestWillBeSent",
				Params: json.RawMessage(`{"request":{"url":"http://example/script.js"}}`),
			})
			conn.push(rpcMessage{Method: "Page.loadEventFired"})
		case "Page.captureScreenshot":
			data := base64.StdEncoding.EncodeToString([]byte("PNG"))
			conn.push(rpcMessage{ID: req.ID, Result: json.RawMessage(fmt.Sprintf(`{"data":%q}`, data))})
		case "Runtime.evaluate":
			params, _ := req.Params.(map[string]string)
			if params["expression"] == "document.URL" {
				conn.push(rpcMessage{ID: req.ID, Result: json.RawMessage(`{"result":{"value":"http://example/"}}`)})
			} else {
				conn.push(rpcMessage{ID: req.ID, Result: json.RawMessage(`{"result":{"value":""}}`)})
			}
		}
	}

	d := newTestDriver(t, conn)
	_, err := d.BrowsePage(context.Background(), "http://example/",
		func(message []byte) { requested = append(requested, string(message)) },
		nil, nil,
	)
	require.NoError(t, err)
	require.Len(t, requested, 1)
	assert.Contains(t, requested[0], "http://example/script.js")
}

func TestBrowsePageAbort(t *testing.T) {
	conn := newFakeConn()
	d := newTestDriver(t, conn)

	conn.onWrite = func(req rpcRequest) {
		if req.Method == "Page.navigate" {
			conn.push(rpcMessage{Method: "Page.loadEventFired"})
			go func() {
				time.Sleep(50 * time.Millisecond)
				d.AbortBrowsePage()
			}()
		}
		if req.Method == "Page.captureScreenshot" {
			data := base64.StdEncoding.EncodeToString([]byte("PNG"))
			conn.push(rpcMessage{ID: req.ID, Result: json.RawMessage(fmt.Sprintf(`{"data":%q}`, data))})
		}
		if req.Method == "Runtime.evaluate" {
			params, _ := req.Params.(map[string]string)
			if params["expression"] == "document.URL" {
				conn.push(rpcMessage{ID: req.ID, Result: json.RawMessage(`{"result":{"value":"http://example/"}}`)})
			}
			// deliberately never reply to the outlinks query, so the
			// behavior-finished branch would hang forever without abort.
		}
	}

	start := time.Now()
	_, err := d.BrowsePage(context.Background(), "http://example/", nil, nil, nil)
	elapsed := time.Since(start)

	require.Error(t, err)
	var aborted *BrowsingAborted
	require.ErrorAs(t, err, &aborted)
	assert.Less(t, elapsed, time.Second)
}

// neverFinishes is a stub behavior that never reports finished.
type neverFinishes struct{ behavior.Nop }

func (neverFinishes) IsFinished() bool { return false }

// TestBrowsePageHardTimeout exercises a behavior that never finishes,
// with the driver's clock advanced past the 20-minute ceiling instead
// of actually sleeping that long.
func TestBrowsePageHardTimeout(t *testing.T) {
	conn := newFakeConn()
	conn.onWrite = func(req rpcRequest) {
		switch req.Method {
		case "Page.navigate":
			conn.push(rpcMessage{Method: "Page.loadEventFired"})
		case "Page.captureScreenshot":
			data := base64.StdEncoding.EncodeToString([]byte("PNG"))
			conn.push(rpcMessage{ID: req.ID, Result: json.RawMessage(fmt.Sprintf(`{"data":%q}`, data))})
		case "Runtime.evaluate":
			params, _ := req.Params.(map[string]string)
			if params["expression"] == "document.URL" {
				conn.push(rpcMessage{ID: req.ID, Result: json.RawMessage(`{"result":{"value":"http://example/"}}`)})
			}
			// outlinks query is never issued, since the stub behavior
			// never reports finished.
		}
	}

	d := New(9200,
		WithRemoteWebSocketURL("ws://fake/devtools/page/1"),
		WithDialer(fakeDialer{conn: conn}),
		WithBehaviorFactory(func(string, behavior.Sender) behavior.Behavior { return neverFinishes{} }),
	)
	d.now = func() time.Time { return time.Now().Add(21 * time.Minute) }

	outlinks, err := d.BrowsePage(context.Background(), "http://example/", nil, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, outlinks)
}

func TestBrowsePageTransportDeath(t *testing.T) {
	conn := newFakeConn()
	d := newTestDriver(t, conn)

	conn.onWrite = func(req rpcRequest) {
		if req.Method == "Page.navigate" {
			conn.Close()
		}
	}

	_, err := d.BrowsePage(context.Background(), "http://example/", nil, nil, nil)
	require.Error(t, err)
	var be *BrowsingException
	require.ErrorAs(t, err, &be)
	assert.Contains(t, err.Error(), "ws://fake/devtools/page/1")
}
