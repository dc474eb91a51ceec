package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	v1 "github.com/aevon-lab/funnel-tracker/internal/api/v1"
	"github.com/aevon-lab/funnel-tracker/internal/core/storage/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testEvent(name v1.EventName, data v1.CustomData) *v1.TrackedEvent {
	ua := "Mozilla/5.0"
	return &v1.TrackedEvent{
		EventName:      name,
		EventID:        string(name) + ".V1.1770552000000",
		EventTime:      1770552000,
		UserData:       v1.UserData{ExternalID: "V1", ClientUserAgent: &ua},
		CustomData:     data,
		EventSourceURL: "https://funnel.example.com/offer",
		ActionSource:   v1.ActionSourceWebsite,
	}
}

func TestWebhookSink_PostsEventJSON(t *testing.T) {
	var (
		gotBody        map[string]any
		gotContentType string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/checkoutfb", r.URL.Path)
		gotContentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotBody))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(map[v1.EventName]string{
		v1.EventInitiateCheckout: srv.URL + "/checkoutfb",
	}, time.Second, srv.Client())

	evt := testEvent(v1.EventInitiateCheckout, v1.InitiateCheckout(decimal.RequireFromString("37.00"), "BRL"))
	res := sink.Send(context.Background(), evt)

	require.True(t, res.Success)
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	require.Equal(t, "application/json", gotContentType)
	require.Equal(t, "InitiateCheckout", gotBody["eventName"])
	require.Equal(t, evt.EventID, gotBody["eventId"])
	require.Equal(t, "website", gotBody["action_source"])
	require.Equal(t, map[string]any{"value": float64(37), "currency": "BRL"}, gotBody["customData"])
}

func TestWebhookSink_Failures(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer failing.Close()

	unreachable := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	unreachableURL := unreachable.URL
	unreachable.Close()

	tests := []struct {
		name       string
		urls       map[v1.EventName]string
		wantError  string
		wantStatus int
	}{
		{
			name:       "non-2xx status",
			urls:       map[v1.EventName]string{v1.EventPageView: failing.URL},
			wantError:  "webhook failed with status 500",
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:      "no url for event",
			urls:      map[v1.EventName]string{v1.EventAddToCart: failing.URL},
			wantError: "no webhook URL configured for event: PageView",
		},
		{
			name:      "network error",
			urls:      map[v1.EventName]string{v1.EventPageView: unreachableURL},
			wantError: "connect",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sink := NewWebhookSink(tc.urls, time.Second, nil)

			var res Result
			require.NotPanics(t, func() {
				res = sink.Send(context.Background(), testEvent(v1.EventPageView, nil))
			})
			require.False(t, res.Success)
			require.Contains(t, res.Error, tc.wantError)
			require.Equal(t, tc.wantStatus, res.StatusCode)
		})
	}
}

func TestWebhookURLs(t *testing.T) {
	urls, err := WebhookURLs(map[string]string{
		"PageView":         "https://hooks.example.com/pageview",
		"initiatecheckout": "https://hooks.example.com/checkoutfb",
	})
	require.NoError(t, err)
	require.Equal(t, map[v1.EventName]string{
		v1.EventPageView:         "https://hooks.example.com/pageview",
		v1.EventInitiateCheckout: "https://hooks.example.com/checkoutfb",
	}, urls)

	_, err = WebhookURLs(map[string]string{"Purchase": "https://hooks.example.com/purchase"})
	require.ErrorContains(t, err, `unknown event name "Purchase"`)

	_, err = WebhookURLs(map[string]string{
		"PageView": "https://hooks.example.com/a",
		"pageview": "https://hooks.example.com/b",
	})
	require.ErrorContains(t, err, "webhook for PageView configured more than once")
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, routingKey string, body []byte, headers map[string]any) error {
	args := m.Called(ctx, routingKey, body, headers)
	return args.Error(0)
}

func TestBrokerSink_Send(t *testing.T) {
	evt := testEvent(v1.EventQuizStep, v1.QuizStepData{Step: 1, Question: "q", Answer: "a"})

	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, "funnel.QuizStep", mock.Anything, map[string]any{
		"event_id":    evt.EventID,
		"external_id": "V1",
	}).Return(nil).Once()

	res := NewBrokerSink(pub).Send(context.Background(), evt)
	require.True(t, res.Success)
	pub.AssertExpectations(t)

	failing := &mockPublisher{}
	failing.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("broker connection is closed"))

	res = NewBrokerSink(failing).Send(context.Background(), evt)
	require.False(t, res.Success)
	require.Equal(t, "broker connection is closed", res.Error)
}

func TestPixelBuffer(t *testing.T) {
	notLoaded := NewPixelBuffer(false)
	require.False(t, notLoaded.Track(v1.EventPageView, nil, "PageView.V1.1"))
	require.Empty(t, notLoaded.Commands())

	var nilBuf *PixelBuffer
	require.False(t, nilBuf.Track(v1.EventPageView, nil, "PageView.V1.1"))
	require.NotNil(t, nilBuf.Commands())

	buf := NewPixelBuffer(true)
	require.True(t, buf.Track(v1.EventPageView, nil, "PageView.V1.1"))
	require.True(t, buf.Track(v1.EventQuizStep, v1.QuizStepData{Step: 1, Question: "q", Answer: "a"}, "QuizStep.V1.2"))

	raw, err := json.Marshal(buf.Commands())
	require.NoError(t, err)
	require.JSONEq(t, `[
		{"method":"track","event":"PageView","params":{},"options":{"event_id":"PageView.V1.1"}},
		{"method":"trackCustom","event":"QuizStep","params":{"quiz_step":1,"quiz_question":"q","quiz_answer":"a"},"options":{"event_id":"QuizStep.V1.2"}}
	]`, string(raw))
}

type funcSink struct {
	name string
	fn   func(ctx context.Context, evt *v1.TrackedEvent) Result
}

func (f funcSink) Name() string { return f.name }

func (f funcSink) Send(ctx context.Context, evt *v1.TrackedEvent) Result { return f.fn(ctx, evt) }

func TestDispatcher_DeliverIsolatesSinks(t *testing.T) {
	journal := memory.NewRepository()

	var delivered []string
	var mu sync.Mutex
	ok := funcSink{name: "webhook", fn: func(ctx context.Context, evt *v1.TrackedEvent) Result {
		mu.Lock()
		delivered = append(delivered, evt.EventID)
		mu.Unlock()
		return Result{Success: true}
	}}
	panicking := funcSink{name: "broker", fn: func(context.Context, *v1.TrackedEvent) Result {
		panic("channel exploded")
	}}

	d := NewDispatcher(Config{}, journal, ok, panicking)
	evt := testEvent(v1.EventPageView, nil)

	var results []Result
	require.NotPanics(t, func() {
		results = d.Deliver(context.Background(), evt)
	})

	require.Len(t, results, 2)
	require.Equal(t, Result{Sink: "webhook", Success: true}, results[0])
	require.False(t, results[1].Success)
	require.Equal(t, "broker", results[1].Sink)
	require.Contains(t, results[1].Error, "channel exploded")
	require.Equal(t, []string{evt.EventID}, delivered)

	entries, err := journal.ListByVisitor(context.Background(), "V1", time.Now().Add(-time.Minute), time.Now().Add(time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestDispatcher_WebhookFailureReturnsFailureResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := NewWebhookSink(map[v1.EventName]string{v1.EventPageView: srv.URL}, time.Second, srv.Client())
	d := NewDispatcher(Config{}, nil, sink)

	results := d.Deliver(context.Background(), testEvent(v1.EventPageView, nil))
	require.Len(t, results, 1)
	require.False(t, results[0].Success)
	require.Equal(t, http.StatusInternalServerError, results[0].StatusCode)
}

func TestDispatcher_DispatchDropsWhenFull(t *testing.T) {
	d := NewDispatcher(Config{QueueSize: 1}, nil)

	require.True(t, d.Dispatch(testEvent(v1.EventPageView, nil)))
	require.False(t, d.Dispatch(testEvent(v1.EventAddToCart, v1.AddToCart(decimal.NewFromInt(37), "BRL"))))
	require.False(t, d.Dispatch(nil))
}

func TestDispatcher_RunDeliversAndDrains(t *testing.T) {
	var (
		mu  sync.Mutex
		got []v1.EventName
	)
	sink := funcSink{name: "webhook", fn: func(ctx context.Context, evt *v1.TrackedEvent) Result {
		mu.Lock()
		got = append(got, evt.EventName)
		mu.Unlock()
		return Result{Success: true}
	}}

	d := NewDispatcher(Config{Workers: 2, DrainTimeout: 2 * time.Second}, nil, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.True(t, d.Dispatch(testEvent(v1.EventPageView, nil)))
	d.DispatchAfter(50*time.Millisecond, func(ctx context.Context) (*v1.TrackedEvent, error) {
		return testEvent(v1.EventFunnelStart, v1.FunnelStartData{}), nil
	})
	d.DispatchAfter(10*time.Millisecond, func(ctx context.Context) (*v1.TrackedEvent, error) {
		return nil, errors.New("identity unavailable")
	})

	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	require.ElementsMatch(t, []v1.EventName{v1.EventPageView, v1.EventFunnelStart}, got)

	require.False(t, d.Dispatch(testEvent(v1.EventPageView, nil)), "closed dispatcher must drop")
}
