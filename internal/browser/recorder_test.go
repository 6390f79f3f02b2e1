package browser

import (
	"fmt"
	"strings"
	"testing"

	"github.com/go-rod/rod/lib/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ysmood/gson"
)

func TestRecorderTracksMainDocumentAndRedirects(t *testing.T) {
	rec := newNavRecorder()

	rec.onRequest(&proto.NetworkRequestWillBeSent{
		RequestID: "r1",
		Type:      proto.NetworkResourceTypeDocument,
		Request:   &proto.NetworkRequest{URL: "https://site.example/a"},
	})

	// Chromium reuses the request ID for the follow-up request and attaches
	// the redirecting response to it.
	rec.onRequest(&proto.NetworkRequestWillBeSent{
		RequestID:        "r1",
		Type:             proto.NetworkResourceTypeDocument,
		Request:          &proto.NetworkRequest{URL: "https://other.example/a"},
		RedirectResponse: &proto.NetworkResponse{URL: "https://site.example/a", Status: 301},
	})

	rec.onResponse(&proto.NetworkResponseReceived{
		RequestID: "r1",
		Type:      proto.NetworkResourceTypeDocument,
		Response: &proto.NetworkResponse{
			URL:        "https://other.example/a",
			Status:     200,
			StatusText: "OK",
			MIMEType:   "text/html",
			Headers:    proto.NetworkHeaders{"Content-Type": gson.New("text/html; charset=utf-8")},
			Timing:     &proto.NetworkResourceTiming{ReceiveHeadersEnd: 87.5},
		},
	})

	res := rec.snapshot()
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, "https://other.example/a", res.FinalURL)
	assert.Equal(t, "text/html; charset=utf-8", res.Headers["Content-Type"])
	assert.InDelta(t, 87.5, res.TTFBMs, 0.01)

	require.Len(t, res.RedirectChain, 1)
	assert.Equal(t, 301, res.RedirectChain[0].Status)
	assert.Equal(t, "https://other.example/a", res.RedirectChain[0].To)
}

func TestRecorderIgnoresSubresourceRedirects(t *testing.T) {
	rec := newNavRecorder()

	rec.onRequest(&proto.NetworkRequestWillBeSent{
		RequestID: "doc",
		Type:      proto.NetworkResourceTypeDocument,
		Request:   &proto.NetworkRequest{URL: "https://site.example/"},
	})
	rec.onRequest(&proto.NetworkRequestWillBeSent{
		RequestID:        "img",
		Type:             proto.NetworkResourceTypeImage,
		Request:          &proto.NetworkRequest{URL: "https://cdn.example/img-v2.png"},
		RedirectResponse: &proto.NetworkResponse{URL: "https://cdn.example/img.png", Status: 302},
	})

	assert.Empty(t, rec.snapshot().RedirectChain)
}

func TestRecorderAccumulatesResourceSizes(t *testing.T) {
	rec := newNavRecorder()

	rec.onResponse(&proto.NetworkResponseReceived{
		RequestID: "r2",
		Type:      proto.NetworkResourceTypeImage,
		Response:  &proto.NetworkResponse{URL: "https://site.example/hero.png", Status: 200, MIMEType: "image/png"},
	})
	rec.onDataReceived(&proto.NetworkDataReceived{RequestID: "r2", DataLength: 4096})
	rec.onDataReceived(&proto.NetworkDataReceived{RequestID: "r2", DataLength: 4096})
	rec.onLoadingFinished(&proto.NetworkLoadingFinished{RequestID: "r2", EncodedDataLength: 3100})

	// Events for requests never seen in a response are dropped.
	rec.onLoadingFinished(&proto.NetworkLoadingFinished{RequestID: "ghost", EncodedDataLength: 999})

	resources := rec.Resources()
	require.Len(t, resources, 1)
	assert.Equal(t, "Image", resources[0].Type)
	assert.Equal(t, "image/png", resources[0].MIMEType)
	assert.Equal(t, int64(3100), resources[0].TransferBytes)
	assert.Equal(t, int64(8192), resources[0].DecodedBytes)
	assert.True(t, resources[0].Finished)
}

func TestRecorderCapturesConsoleErrorsOnly(t *testing.T) {
	rec := newNavRecorder()

	rec.onConsole(&proto.RuntimeConsoleAPICalled{
		Type: proto.RuntimeConsoleAPICalledTypeLog,
		Args: []*proto.RuntimeRemoteObject{{Description: "just a log"}},
	})
	rec.onConsole(&proto.RuntimeConsoleAPICalled{
		Type: proto.RuntimeConsoleAPICalledTypeError,
		Args: []*proto.RuntimeRemoteObject{{Description: "TypeError: x is undefined"}},
	})
	rec.onException(&proto.RuntimeExceptionThrown{
		ExceptionDetails: &proto.RuntimeExceptionDetails{
			Text:      "Uncaught",
			Exception: &proto.RuntimeRemoteObject{Description: "Error: boom"},
		},
	})

	errs := rec.ConsoleErrors()
	require.Len(t, errs, 2)
	assert.Equal(t, "TypeError: x is undefined", errs[0])
	assert.Equal(t, "Uncaught Error: boom", errs[1])
}

func TestRecorderCapsConsoleErrors(t *testing.T) {
	rec := newNavRecorder()

	for i := 0; i < maxConsoleErrors+10; i++ {
		rec.onConsole(&proto.RuntimeConsoleAPICalled{
			Type: proto.RuntimeConsoleAPICalledTypeError,
			Args: []*proto.RuntimeRemoteObject{{Description: fmt.Sprintf("error %d", i)}},
		})
	}
	rec.appendConsoleError(strings.Repeat("x", maxConsoleErrorLen+500))

	errs := rec.ConsoleErrors()
	assert.Len(t, errs, maxConsoleErrors)
	for _, e := range errs {
		assert.LessOrEqual(t, len(e), maxConsoleErrorLen)
	}
}

func TestRecorderSnapshotIsACopy(t *testing.T) {
	rec := newNavRecorder()
	rec.onRequest(&proto.NetworkRequestWillBeSent{
		RequestID: "r1",
		Type:      proto.NetworkResourceTypeDocument,
		Request:   &proto.NetworkRequest{URL: "https://site.example/"},
	})
	rec.onResponse(&proto.NetworkResponseReceived{
		RequestID: "r1",
		Type:      proto.NetworkResourceTypeDocument,
		Response: &proto.NetworkResponse{
			URL:     "https://site.example/",
			Status:  200,
			Headers: proto.NetworkHeaders{"Server": gson.New("nginx")},
		},
	})

	snap := rec.snapshot()
	snap.Headers["Server"] = "mutated"
	snap.RedirectChain = append(snap.RedirectChain, Redirect{Status: 301, To: "x"})

	again := rec.snapshot()
	assert.Equal(t, "nginx", again.Headers["Server"])
	assert.Empty(t, again.RedirectChain)
}
