package driver

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/iipc/go-archiving-browser/behavior"
)

// pendingKind names which of the three correlation-id slots a command id
// belongs to.
type pendingKind int

const (
	pendingScreenshot pendingKind = iota
	pendingOutlinks
	pendingDocumentURL
)

// hardTimeout is the per-visit ceiling regardless of behavior progress.
const hardTimeout = 20 * time.Minute

// tickInterval is how often the poller wakes to evaluate termination
// conditions.
const tickInterval = 500 * time.Millisecond

// analyticsBreakpointRegex is the URL regex used to catch and neutralize
// the analytics script. Exposed as a var so implementers can override it
// if the upstream analytics URL ever changes.
var analyticsBreakpointRegex = `https?://www\.google-analytics\.com/analytics\.js`

// visitState is scoped to one BrowsePage call and is mutated exclusively
// by the poller goroutine; the reader goroutine only ever sends
// driverEvents down a channel.
type visitState struct {
	url   string
	wsURL string

	onRequest    func(json.RawMessage)
	onScreenshot func([]byte)
	onURLChange  func(string)

	pending        map[pendingKind]int64
	pendingReverse map[int64]pendingKind

	outlinks         map[string]struct{}
	outlinksCaptured bool

	start time.Time

	behaviorFactory behavior.Factory
	behavior        behavior.Behavior

	conn Conn

	transportDead bool
	deadErr       error
}

func newVisitState(url string, bf behavior.Factory) *visitState {
	return &visitState{
		url:             url,
		pending:         make(map[pendingKind]int64),
		pendingReverse:  make(map[int64]pendingKind),
		behaviorFactory: bf,
	}
}

func (v *visitState) setPending(kind pendingKind, id int64) {
	v.pending[kind] = id
	v.pendingReverse[id] = kind
}

func (v *visitState) clearPending(kind pendingKind) {
	if id, ok := v.pending[kind]; ok {
		delete(v.pendingReverse, id)
		delete(v.pending, kind)
	}
}

// eventKind classifies a decoded DevTools message for the reader
// goroutine to hand to the poller.
type eventKind int

const (
	evRequestWillBeSent eventKind = iota
	evLoadEventFired
	evConsoleMessage
	evDebuggerPaused
	evReply
	evTransportClosed
)

type driverEvent struct {
	kind eventKind
	msg  rpcMessage
	err  error
}

// classifyMessage turns a raw rpcMessage into a driverEvent. Reply messages
// (those with an id and no method) are tagged evReply; everything else
// is classified by its CDP method name, with unrecognized events ignored
// by the caller (the transition table only cares about four event
// methods plus replies).
func classifyMessage(msg rpcMessage) driverEvent {
	if !msg.isReply() {
		switch msg.Method {
		case "Network.requestWillBeSent":
			return driverEvent{kind: evRequestWillBeSent, msg: msg}
		case "Page.loadEventFired":
			return driverEvent{kind: evLoadEventFired, msg: msg}
		case "Console.messageAdded":
			return driverEvent{kind: evConsoleMessage, msg: msg}
		case "Debugger.paused":
			return driverEvent{kind: evDebuggerPaused, msg: msg}
		}
		return driverEvent{kind: -1, msg: msg}
	}
	return driverEvent{kind: evReply, msg: msg}
}

type networkRequestParams struct {
	Request struct {
		URL string `json:"url"`
	} `json:"request"`
}

type debuggerPausedParams struct {
	CallFrames []struct {
		Location struct {
			ScriptID string `json:"scriptId"`
		} `json:"location"`
	} `json:"callFrames"`
}

type evaluateResult struct {
	Result struct {
		Value string `json:"value"`
	} `json:"result"`
}

type screenshotResult struct {
	Data string `json:"data"`
}

// applyEvent mutates v (and may issue further commands via send) according
// to the page-visit transition table. It is only ever called from the
// poller goroutine.
func (d *Driver) applyEvent(v *visitState, ev driverEvent) {
	switch ev.kind {
	case evTransportClosed:
		v.transportDead = true
		v.deadErr = ev.err

	case evRequestWillBeSent:
		if v.behavior != nil {
			v.behavior.NotifyOfActivity()
		}
		var params networkRequestParams
		if err := json.Unmarshal(ev.msg.Params, &params); err != nil {
			d.log.WithError(err).Warn("malformed Network.requestWillBeSent params")
			return
		}
		if strings.HasPrefix(strings.ToLower(params.Request.URL), "data:") {
			return
		}
		if v.onRequest != nil {
			if raw, err := json.Marshal(ev.msg); err == nil {
				v.onRequest(raw)
			}
		}

	case evLoadEventFired:
		id, err := d.sendLocked(v, "Page.captureScreenshot", nil)
		if err != nil {
			v.transportDead = true
			v.deadErr = err
			return
		}
		v.setPending(pendingScreenshot, id)

		id, err = d.sendLocked(v, "Runtime.evaluate", map[string]string{"expression": "document.URL"})
		if err != nil {
			v.transportDead = true
			v.deadErr = err
			return
		}
		v.setPending(pendingDocumentURL, id)

	case evConsoleMessage:
		d.log.WithField("event", "Console.messageAdded").Debug(string(ev.msg.Params))

	case evDebuggerPaused:
		var params debuggerPausedParams
		if err := json.Unmarshal(ev.msg.Params, &params); err != nil || len(params.CallFrames) == 0 {
			d.log.WithError(err).Warn("malformed Debugger.paused params")
			return
		}
		scriptID := params.CallFrames[0].Location.ScriptID
		if _, err := d.sendLocked(v, "Debugger.setScriptSource", map[string]string{
			"scriptId":     scriptID,
			"scriptSource": "console.log('google analytics is no more!');",
		}); err != nil {
			v.transportDead = true
			v.deadErr = err
			return
		}
		if _, err := d.sendLocked(v, "Debugger.resume", nil); err != nil {
			v.transportDead = true
			v.deadErr = err
		}

	case evReply:
		d.applyReply(v, ev.msg)
	}
}

func (d *Driver) applyReply(v *visitState, msg rpcMessage) {
	kind, known := v.pendingReverse[msg.ID]
	if !known {
		if v.behavior != nil && v.behavior.IsWaitingOnResult(msg.ID) {
			v.behavior.NotifyOfResult(msg.Result)
		}
		return
	}

	switch kind {
	case pendingScreenshot:
		v.clearPending(pendingScreenshot)
		var res screenshotResult
		if err := json.Unmarshal(msg.Result, &res); err != nil {
			d.log.WithError(err).Warn("malformed captureScreenshot result")
			return
		}
		data, err := base64.StdEncoding.DecodeString(res.Data)
		if err != nil {
			d.log.WithError(err).Warn("malformed base64 screenshot data")
			return
		}
		if v.onScreenshot != nil {
			v.onScreenshot(data)
		}
		v.behavior = v.behaviorFactory(v.url, d)
		if err := v.behavior.Start(); err != nil {
			d.log.WithError(err).Warn("behavior failed to start")
		}

	case pendingOutlinks:
		v.clearPending(pendingOutlinks)
		var res evaluateResult
		if err := json.Unmarshal(msg.Result, &res); err != nil {
			d.log.WithError(err).Warn("malformed outlinks evaluate result")
			v.outlinks = map[string]struct{}{}
			v.outlinksCaptured = true
			return
		}
		links := map[string]struct{}{}
		if res.Result.Value != "" {
			for _, link := range strings.Split(res.Result.Value, " ") {
				links[link] = struct{}{}
			}
		}
		v.outlinks = links
		v.outlinksCaptured = true

	case pendingDocumentURL:
		v.clearPending(pendingDocumentURL)
		var res evaluateResult
		if err := json.Unmarshal(msg.Result, &res); err != nil {
			d.log.WithError(err).Warn("malformed document.URL evaluate result")
			return
		}
		if res.Result.Value != v.url && v.onURLChange != nil {
			v.onURLChange(res.Result.Value)
		}
	}
}

// terminal reports whether the visit should end on this tick, checked in
// a fixed order: transport dead, then behavior finished with outlinks,
// then behavior finished needing the outlinks query issued, then hard
// timeout, then abort.
func (d *Driver) terminal(v *visitState) (done bool, outlinks map[string]struct{}, err error) {
	switch {
	case v.transportDead:
		return true, nil, newBrowsingException(
			fmt.Sprintf("websocket closed, did chrome die? %s", v.wsURL), v.deadErr)

	case v.behavior != nil && v.behavior.IsFinished() && v.outlinksCaptured:
		return true, v.outlinks, nil

	case v.behavior != nil && v.behavior.IsFinished() && v.pending[pendingOutlinks] == 0:
		id, sendErr := d.sendLocked(v, "Runtime.evaluate", map[string]string{
			"expression": "Array.prototype.slice.call(document.querySelectorAll('a[href]')).join(' ')",
		})
		if sendErr != nil {
			return true, nil, newBrowsingException("failed to request outlinks", sendErr)
		}
		v.setPending(pendingOutlinks, id)
		return false, nil, nil

	case d.now().Sub(v.start) > hardTimeout:
		return true, v.outlinks, nil

	case d.aborted.Load():
		return true, nil, newBrowsingAborted()
	}
	return false, nil, nil
}
