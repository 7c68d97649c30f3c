package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ranacseruet/clawphone/internal/agent"
	"github.com/ranacseruet/clawphone/internal/auth"
	"github.com/ranacseruet/clawphone/internal/clock"
	"github.com/ranacseruet/clawphone/internal/config"
	"github.com/ranacseruet/clawphone/internal/events"
	"github.com/ranacseruet/clawphone/internal/health"
	"github.com/ranacseruet/clawphone/internal/ratelimit"
	"github.com/ranacseruet/clawphone/internal/turns"
	"github.com/ranacseruet/clawphone/internal/twiml"
)

type sentSMS struct {
	to   string
	body string
}

type fakeSender struct {
	configured bool
	err        error

	mu   sync.Mutex
	sent []sentSMS
}

func (f *fakeSender) Configured() bool { return f.configured }

func (f *fakeSender) Send(_ context.Context, to, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, sentSMS{to: to, body: body})
	return "SM123", nil
}

func (f *fakeSender) messages() []sentSMS {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentSMS(nil), f.sent...)
}

func testConfig() config.Config {
	var c config.Config
	c.Server.MaxBodyBytes = 1024
	c.Agent.MaxConcurrent = 2
	c.Agent.CallTimeout = 5 * time.Second
	c.Agent.SMSFastTimeout = time.Second
	c.Voice.Greeting = "Hi, what can I do for you?"
	c.Voice.AckPhrase = "One moment."
	c.Voice.FillerPhrases = []string{"Still working on it.", "Almost there."}
	c.Voice.MaxFillerPolls = 2
	c.Voice.PollPause = 2 * time.Second
	c.Voice.Goodbye = "Talk soon."
	c.Voice.MaxReplyChars = 500
	c.SMS.AckMessage = "Working on it, reply coming by text."
	c.SMS.MaxReplyChars = 300
	c.RateLimit.Window = time.Minute
	c.Turns.MaxAge = 5 * time.Minute
	c.Turns.SweepInterval = time.Minute
	c.Turns.DrainTimeout = 200 * time.Millisecond
	c.Turns.DrainPollInterval = 10 * time.Millisecond
	return c
}

// harness wires a Server around a backend that blocks until released.
type harness struct {
	t        *testing.T
	cfg      config.Config
	clk      *clock.Fake
	verifier auth.Verifier
	turns    *turns.Registry
	gateway  *agent.Gateway
	events   *events.Store
	health   *health.Reporter
	sms      *fakeSender
	srv      *Server
	handler  http.Handler

	gate    chan struct{}
	once    sync.Once
	failErr error
}

func newHarness(t *testing.T, cfg config.Config, verifier auth.Verifier) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		cfg:      cfg,
		clk:      clock.NewFake(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)),
		verifier: verifier,
		gate:     make(chan struct{}),
		sms:      &fakeSender{configured: true},
	}
	backend := agent.BackendFunc(func(ctx context.Context, req agent.Request) (string, error) {
		select {
		case <-h.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		if h.failErr != nil {
			return "", h.failErr
		}
		return "**Echo**: " + req.Prompt, nil
	})

	h.turns = turns.NewRegistry(h.clk)
	h.gateway = agent.NewGateway(backend, agent.Options{
		MaxConcurrent: cfg.Agent.MaxConcurrent,
		CallTimeout:   cfg.Agent.CallTimeout,
	})
	h.events = events.NewStore(0, h.clk)
	h.health = health.NewReporter("test", health.Sources{
		ActiveTurns: h.turns.Active,
		InFlight:    h.gateway.InFlight,
		SlotsInUse:  h.gateway.InUse,
		Backend:     h.gateway.BackendName(),
		Configured:  h.gateway.Configured(),
	}, h.clk)
	h.srv = NewServer(Deps{
		Config:   cfg,
		Verifier: verifier,
		Limiter:  ratelimit.New(ratelimit.Config{Max: cfg.RateLimit.Max, Window: cfg.RateLimit.Window}, h.clk),
		Turns:    h.turns,
		Gateway:  h.gateway,
		Renderer: twiml.NewRenderer(twiml.Options{PollPause: cfg.Voice.PollPause}),
		SMS:      h.sms,
		Events:   h.events,
		Health:   h.health,
	})
	h.handler = h.srv.Handler()

	t.Cleanup(func() {
		h.release()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.gateway.Wait(ctx)
	})
	return h
}

func (h *harness) release() { h.once.Do(func() { close(h.gate) }) }

func (h *harness) post(path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if h.verifier.Enabled() {
		h.verifier.Sign(req, form)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) get(path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

var waitKeyRe = regexp.MustCompile(`/speech-wait\?key=([^<"]+)`)

func (h *harness) speak(callID, from, text string) string {
	h.t.Helper()
	rec := h.post(pathSpeech, url.Values{"CallSid": {callID}, "From": {from}, "SpeechResult": {text}})
	require.Equal(h.t, http.StatusOK, rec.Code)
	m := waitKeyRe.FindStringSubmatch(rec.Body.String())
	require.Len(h.t, m, 2, rec.Body.String())
	key, err := url.QueryUnescape(m[1])
	require.NoError(h.t, err)
	return key
}

func (h *harness) poll(callID, key string) string {
	rec := h.post(waitURL(key), url.Values{"CallSid": {callID}})
	require.Equal(h.t, http.StatusOK, rec.Code)
	assert.Equal(h.t, twiml.ContentType, rec.Header().Get("Content-Type"))
	return rec.Body.String()
}

func (h *harness) waitDone(key string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		t, ok := h.turns.Get(key)
		return ok && t.Done
	}, 2*time.Second, 5*time.Millisecond)
}

func TestVoiceConversation(t *testing.T) {
	h := newHarness(t, testConfig(), auth.Verifier{})

	rec := h.post(pathVoice, url.Values{"CallSid": {"CA1"}, "From": {"+15550001"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<Gather")
	assert.Contains(t, rec.Body.String(), "Hi, what can I do for you?")

	key := h.speak("CA1", "+15550001", "what is the weather")
	assert.True(t, strings.HasPrefix(key, "CA1-"))

	first := h.poll("CA1", key)
	assert.Contains(t, first, "Still working on it.")
	assert.Contains(t, first, `<Pause length="2">`)
	assert.Contains(t, first, "<Redirect")

	second := h.poll("CA1", key)
	assert.Contains(t, second, "Almost there.")

	third := h.poll("CA1", key)
	assert.NotContains(t, third, "Still working on it.")
	assert.NotContains(t, third, "Almost there.")
	assert.Contains(t, third, "<Pause")

	h.release()
	h.waitDone(key)

	ready := h.poll("CA1", key)
	assert.Contains(t, ready, "Echo: what is the weather")
	assert.NotContains(t, ready, "**")
	assert.Contains(t, ready, "Talk soon.")
	assert.Contains(t, ready, "<Hangup></Hangup>")

	assert.Equal(t, string(h.srv.render.Empty()), h.poll("CA1", key))

	require.Eventually(t, func() bool { return len(h.events.List("CA1")) == 4 }, 2*time.Second, 5*time.Millisecond)
	var types []string
	for _, e := range h.events.List("CA1") {
		types = append(types, e.Type)
	}
	assert.ElementsMatch(t, []string{eventCallStarted, eventUtterance, eventReplyReady, eventReplyDelivered}, types)
}

func TestVoiceSupersededTurnIsDiscarded(t *testing.T) {
	h := newHarness(t, testConfig(), auth.Verifier{})

	k1 := h.speak("CA1", "+15550001", "first question")
	k2 := h.speak("CA1", "+15550001", "second question")
	require.NotEqual(t, k1, k2)

	assert.Equal(t, string(h.srv.render.Empty()), h.poll("CA1", k1))

	h.release()
	h.waitDone(k2)
	assert.Contains(t, h.poll("CA1", k2), "Echo: second question")

	require.Eventually(t, func() bool { return h.gateway.InFlight() == 0 }, 2*time.Second, 5*time.Millisecond)
	_, ok := h.turns.Get(k1)
	assert.False(t, ok)
	assert.Equal(t, 0, h.turns.Len())
}

func TestVoiceEmptySpeechReprompts(t *testing.T) {
	h := newHarness(t, testConfig(), auth.Verifier{})

	rec := h.post(pathSpeech, url.Values{"CallSid": {"CA1"}, "SpeechResult": {"   "}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Could you say it again?")
	assert.Contains(t, rec.Body.String(), "<Gather")
	assert.Equal(t, 0, h.turns.Len())
}

func TestVoiceBackendErrorSpeaksApology(t *testing.T) {
	h := newHarness(t, testConfig(), auth.Verifier{})
	h.failErr = errors.New("backend down")
	h.release()

	key := h.speak("CA1", "+15550001", "hello")
	h.waitDone(key)
	assert.Contains(t, h.poll("CA1", key), "Sorry")
}

func TestRateLimitedSpeech(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Max = 1
	h := newHarness(t, cfg, auth.Verifier{})

	h.speak("CA1", "+15550001", "one")
	rec := h.post(pathSpeech, url.Values{"CallSid": {"CA1"}, "From": {"+15550001"}, "SpeechResult": {"two"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Please try again in a minute")
	assert.Contains(t, rec.Body.String(), "<Hangup></Hangup>")
	assert.Equal(t, 1, h.turns.Len())

	// Other callers are unaffected.
	h.speak("CA2", "+15550002", "three")
}

func TestEmptySpeechKeepsRateBudget(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Max = 1
	h := newHarness(t, cfg, auth.Verifier{})

	for i := 0; i < 3; i++ {
		rec := h.post(pathSpeech, url.Values{"CallSid": {"CA1"}, "From": {"+15550001"}, "SpeechResult": {""}})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "Could you say it again?")
	}

	h.speak("CA1", "+15550001", "finally heard")
	assert.Equal(t, 1, h.turns.Len())
}

func TestRateLimitedSMS(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Max = 1
	h := newHarness(t, cfg, auth.Verifier{})
	h.release()

	h.post(pathSMS, url.Values{"From": {"+15550001"}, "Body": {"hi"}})
	rec := h.post(pathSMS, url.Values{"From": {"+15550001"}, "Body": {"again"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Please wait a minute")
}

func TestBodyTooLarge(t *testing.T) {
	h := newHarness(t, testConfig(), auth.Verifier{})
	big := url.Values{"CallSid": {"CA1"}, "SpeechResult": {strings.Repeat("a", 2048)}}

	t.Run("declared length", func(t *testing.T) {
		rec := h.post(pathSpeech, big)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})

	t.Run("streamed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, pathSpeech, strings.NewReader(big.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.ContentLength = -1
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})

	assert.Equal(t, 0, h.turns.Len())
}

func TestSignatureChecks(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Max = 1
	v := auth.NewVerifier("token", "https://clawphone.example")
	h := newHarness(t, cfg, v)

	form := url.Values{"CallSid": {"CA1"}, "From": {"+15550001"}, "SpeechResult": {"hello"}}
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, pathSpeech, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set(auth.SignatureHeader, "bogus")
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	}
	assert.Equal(t, 0, h.turns.Len())

	// Rejected requests never consumed the caller's rate budget.
	h.speak("CA1", "+15550001", "hello")
	assert.Equal(t, 1, h.turns.Len())
}

func TestWebhookMethodNotAllowed(t *testing.T) {
	h := newHarness(t, testConfig(), auth.Verifier{})
	rec := h.get(pathVoice)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}

func TestSMSInlineReply(t *testing.T) {
	h := newHarness(t, testConfig(), auth.Verifier{})
	h.release()

	rec := h.post(pathSMS, url.Values{"From": {"+15550001"}, "MessageSid": {"SM1"}, "Body": {"ping"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<Message>Echo: ping</Message>")
	assert.Empty(t, h.sms.messages())

	evts := h.events.List("+15550001")
	require.Len(t, evts, 1)
	assert.Equal(t, eventSMSInline, evts[0].Type)
}

func TestSMSEmptyBody(t *testing.T) {
	h := newHarness(t, testConfig(), auth.Verifier{})
	rec := h.post(pathSMS, url.Values{"From": {"+15550001"}, "Body": {""}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Send me a question")
}

func TestSMSLateReplySentAsNewMessage(t *testing.T) {
	cfg := testConfig()
	cfg.Agent.SMSFastTimeout = 20 * time.Millisecond
	h := newHarness(t, cfg, auth.Verifier{})

	rec := h.post(pathSMS, url.Values{"From": {"+15550001"}, "Body": {"slow one"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Working on it, reply coming by text.")

	h.release()
	require.Eventually(t, func() bool { return len(h.sms.messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, sentSMS{to: "+15550001", body: "Echo: slow one"}, h.sms.messages()[0])

	require.Eventually(t, func() bool {
		for _, e := range h.events.List("+15550001") {
			if e.Type == eventSMSLateSent {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSMSLateReplyDroppedWithoutClient(t *testing.T) {
	cfg := testConfig()
	cfg.Agent.SMSFastTimeout = 20 * time.Millisecond
	h := newHarness(t, cfg, auth.Verifier{})
	h.sms.configured = false

	h.post(pathSMS, url.Values{"From": {"+15550001"}, "Body": {"slow one"}})
	h.release()

	require.Eventually(t, func() bool {
		for _, e := range h.events.List("+15550001") {
			if e.Type == eventSMSLateFailed {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.sms.messages())
}

func TestHealthAndDrain(t *testing.T) {
	h := newHarness(t, testConfig(), auth.Verifier{})

	rec := h.get(pathHealth)
	require.Equal(t, http.StatusOK, rec.Code)
	var st health.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.OK)
	assert.True(t, st.BackendConfigured)
	assert.Equal(t, "func", st.Backend)

	h.speak("CA1", "+15550001", "pending")
	abandoned := h.srv.Drain(context.Background())
	assert.Equal(t, 1, abandoned)

	rec = h.get(pathHealth)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDrainWaitsForAnswers(t *testing.T) {
	h := newHarness(t, testConfig(), auth.Verifier{})
	h.speak("CA1", "+15550001", "pending")

	go func() {
		time.Sleep(20 * time.Millisecond)
		h.release()
	}()
	assert.Equal(t, 0, h.srv.Drain(context.Background()))
}

func TestEventsEndpoint(t *testing.T) {
	h := newHarness(t, testConfig(), auth.Verifier{})
	h.post(pathVoice, url.Values{"CallSid": {"CA9"}, "From": {"+15550009"}})

	rec := h.get(pathEvents + "?call=CA9")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		CallID string         `json:"call_id"`
		Events []events.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "CA9", body.CallID)
	require.Len(t, body.Events, 1)
	assert.Equal(t, eventCallStarted, body.Events[0].Type)

	assert.Equal(t, http.StatusBadRequest, h.get(pathEvents).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, testConfig(), auth.Verifier{})
	h.post(pathVoice, url.Values{"CallSid": {"CA1"}})

	rec := h.get(pathMetrics)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "clawphone_http_requests_total")
}

func TestSweepReportsRetainedEventLogs(t *testing.T) {
	h := newHarness(t, testConfig(), auth.Verifier{})
	h.post(pathVoice, url.Values{"CallSid": {"CA1"}})
	h.post(pathVoice, url.Values{"CallSid": {"CA2"}})

	h.srv.Sweep()
	assert.Equal(t, 2.0, testutil.ToFloat64(gaugeEventLogs))

	h.clk.Advance(2 * eventsRetention)
	h.srv.Sweep()
	assert.Equal(t, 0.0, testutil.ToFloat64(gaugeEventLogs))
}

func TestHealthReportsSlotsInUse(t *testing.T) {
	h := newHarness(t, testConfig(), auth.Verifier{})
	h.speak("CA1", "+15550001", "busy")
	require.Eventually(t, func() bool { return h.gateway.InUse() == 1 }, 2*time.Second, 5*time.Millisecond)

	var st health.Status
	require.NoError(t, json.Unmarshal(h.get(pathHealth).Body.Bytes(), &st))
	assert.Equal(t, 1, st.SlotsInUse)
	assert.Equal(t, 1, st.InFlight)
}

func TestSweepDropsStaleTurns(t *testing.T) {
	h := newHarness(t, testConfig(), auth.Verifier{})
	key := h.speak("CA1", "+15550001", "forgotten")

	h.clk.Advance(10 * time.Minute)
	h.srv.Sweep()
	assert.Equal(t, 0, h.turns.Len())

	h.release()
	require.Eventually(t, func() bool { return h.gateway.InFlight() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, string(h.srv.render.Empty()), h.poll("CA1", key))
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.Turns.SweepInterval = 5 * time.Millisecond
	h := newHarness(t, cfg, auth.Verifier{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.srv.RunSweeper(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
