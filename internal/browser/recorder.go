package browser

import (
	"strings"
	"sync"

	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
)

const (
	maxConsoleErrors   = 100
	maxConsoleErrorLen = 1024
)

// Redirect is one hop of a redirect chain: the status Chromium saw and the
// location it was sent to.
type Redirect struct {
	Status int
	To     string
}

// Resource is one network request observed during a navigation. TransferBytes
// is the on-the-wire size, DecodedBytes the size after decompression.
type Resource struct {
	URL           string
	Type          string
	MIMEType      string
	TransferBytes int64
	DecodedBytes  int64
	Finished      bool
}

// NavResult summarizes the main document request of a navigation.
type NavResult struct {
	Status        int
	StatusText    string
	Headers       map[string]string
	FinalURL      string
	RedirectChain []Redirect
	TTFBMs        float64
}

// navRecorder accumulates CDP network and runtime events for one navigation.
// Handlers are invoked from the Rod event pump goroutine, so all state is
// behind the mutex.
type navRecorder struct {
	mu            sync.Mutex
	mainRequestID proto.NetworkRequestID
	result        NavResult
	resources     map[proto.NetworkRequestID]*Resource
	consoleErrors []string
}

func newNavRecorder() *navRecorder {
	return &navRecorder{
		resources: make(map[proto.NetworkRequestID]*Resource),
	}
}

// onRequest tracks the main document request and its redirect hops. Chromium
// reuses the request ID across redirects, attaching the previous hop's
// response to the follow-up request event.
func (r *navRecorder) onRequest(e *proto.NetworkRequestWillBeSent) {
	if e.Request == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mainRequestID == "" && e.Type == proto.NetworkResourceTypeDocument {
		r.mainRequestID = e.RequestID
	}
	if e.RequestID == r.mainRequestID && e.RedirectResponse != nil {
		r.result.RedirectChain = append(r.result.RedirectChain, Redirect{
			Status: e.RedirectResponse.Status,
			To:     e.Request.URL,
		})
	}
}

func (r *navRecorder) onResponse(e *proto.NetworkResponseReceived) {
	if e.Response == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.resources[e.RequestID] = &Resource{
		URL:      e.Response.URL,
		Type:     string(e.Type),
		MIMEType: e.Response.MIMEType,
	}

	if e.RequestID == r.mainRequestID {
		r.result.Status = e.Response.Status
		r.result.StatusText = e.Response.StatusText
		r.result.FinalURL = e.Response.URL
		r.result.Headers = headerMap(e.Response.Headers)
		if e.Response.Timing != nil {
			r.result.TTFBMs = e.Response.Timing.ReceiveHeadersEnd
		}
	}
}

func (r *navRecorder) onDataReceived(e *proto.NetworkDataReceived) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if res, ok := r.resources[e.RequestID]; ok {
		res.DecodedBytes += int64(e.DataLength)
	}
}

func (r *navRecorder) onLoadingFinished(e *proto.NetworkLoadingFinished) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if res, ok := r.resources[e.RequestID]; ok {
		res.TransferBytes = int64(e.EncodedDataLength)
		res.Finished = true
	}
}

func (r *navRecorder) onConsole(e *proto.RuntimeConsoleAPICalled) {
	if e.Type != proto.RuntimeConsoleAPICalledTypeError {
		return
	}

	parts := make([]string, 0, len(e.Args))
	for _, arg := range e.Args {
		if s := formatRemoteObject(arg); s != "" {
			parts = append(parts, s)
		}
	}
	r.appendConsoleError(strings.Join(parts, " "))
}

func (r *navRecorder) onException(e *proto.RuntimeExceptionThrown) {
	if e.ExceptionDetails == nil {
		return
	}

	msg := e.ExceptionDetails.Text
	if e.ExceptionDetails.Exception != nil {
		if desc := formatRemoteObject(e.ExceptionDetails.Exception); desc != "" {
			msg = strings.TrimSpace(msg + " " + desc)
		}
	}
	r.appendConsoleError(msg)
}

func (r *navRecorder) appendConsoleError(msg string) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return
	}
	if len(msg) > maxConsoleErrorLen {
		msg = msg[:maxConsoleErrorLen]
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.consoleErrors) >= maxConsoleErrors {
		return
	}
	r.consoleErrors = append(r.consoleErrors, msg)
}

// snapshot returns a copy of the main document result safe to hand out while
// events keep arriving.
func (r *navRecorder) snapshot() NavResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.result
	out.RedirectChain = append([]Redirect(nil), r.result.RedirectChain...)
	if r.result.Headers != nil {
		out.Headers = make(map[string]string, len(r.result.Headers))
		for k, v := range r.result.Headers {
			out.Headers[k] = v
		}
	}
	return out
}

// ConsoleErrors returns the page console errors captured so far.
func (r *navRecorder) ConsoleErrors() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.consoleErrors...)
}

// Resources returns the network requests captured so far.
func (r *navRecorder) Resources() []Resource {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Resource, 0, len(r.resources))
	for _, res := range r.resources {
		out = append(out, *res)
	}
	return out
}

func headerMap(h proto.NetworkHeaders) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v.Str()
	}
	return out
}

func formatRemoteObject(o *proto.RuntimeRemoteObject) string {
	if o == nil {
		return ""
	}
	if o.Description != "" {
		return o.Description
	}
	if o.Value == (gson.JSON{}) {
		return ""
	}
	return o.Value.String()
}
