package api

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	pathVoice      = "/voice"
	pathSpeech     = "/speech"
	pathSpeechWait = "/speech-wait"
	pathSMS        = "/sms"
	pathHealth     = "/health"
	pathMetrics    = "/metrics"
	pathEvents     = "/events"
	pathEventsWS   = "/events/ws"
)

// Handler returns the full HTTP surface. Webhook routes run, in order: body
// ceiling, form parsing, signature check, then the handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	webhook := func(h http.HandlerFunc) http.Handler {
		return onlyMethod(http.MethodPost,
			limitBody(s.cfg.Server.MaxBodyBytes,
				parseForm(
					s.verifySignature(h))))
	}
	mux.Handle(pathVoice, webhook(s.handleVoice))
	mux.Handle(pathSpeech, webhook(s.handleSpeech))
	mux.Handle(pathSpeechWait, webhook(s.handleSpeechWait))
	mux.Handle(pathSMS, webhook(s.handleSMS))

	if s.health != nil {
		mux.Handle(pathHealth, onlyMethod(http.MethodGet, s.health))
	}
	mux.Handle(pathMetrics, onlyMethod(http.MethodGet, promhttp.Handler()))
	if s.events != nil {
		mux.Handle(pathEvents, onlyMethod(http.MethodGet, http.HandlerFunc(s.handleListEvents)))
		mux.Handle(pathEventsWS, onlyMethod(http.MethodGet, http.HandlerFunc(s.events.ServeWS)))
	}

	return recoverPanics(s.log, accessLog(s.log, mux))
}

func onlyMethod(method string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("call")
	if callID == "" {
		http.Error(w, "missing call", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"call_id": callID,
		"events":  s.events.List(callID),
	})
}
