package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/ranacseruet/clawphone/internal/agent"
	"github.com/ranacseruet/clawphone/internal/reply"
	"github.com/ranacseruet/clawphone/internal/turns"
	"github.com/ranacseruet/clawphone/internal/twiml"
)

const (
	noInputGoodbye   = "I didn't hear anything. Goodbye."
	didNotCatch      = "Sorry, I didn't catch that. Could you say it again?"
	voiceRateLimited = "You're calling a little too often. Please try again in a minute. Goodbye."
	smsRateLimited   = "You're sending messages a little too quickly. Please wait a minute and try again."
	smsEmpty         = "Send me a question and I'll text you an answer."
)

// Event types recorded per call.
const (
	eventCallStarted    = "call_started"
	eventUtterance      = "utterance"
	eventReplyReady     = "voice_reply_ready"
	eventReplyDiscarded = "voice_reply_discarded"
	eventReplyDelivered = "voice_reply_delivered"
	eventTurnSuperseded = "turn_superseded"
	eventSMSInline      = "sms_inline_reply"
	eventSMSDeferred    = "sms_deferred"
	eventSMSLateSent    = "sms_late_reply"
	eventSMSLateFailed  = "sms_late_reply_failed"
	eventRateLimited    = "rate_limited"
)

func writeXML(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", twiml.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// sessionFor keys conversation history by the remote party so voice and SMS
// from one number share context.
func sessionFor(caller, fallback string) string {
	if caller != "" {
		return caller
	}
	return fallback
}

func waitURL(key string) string {
	return pathSpeechWait + "?key=" + url.QueryEscape(key)
}

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	callID := r.PostForm.Get("CallSid")
	s.notify(callID, eventCallStarted, map[string]any{"from": r.PostForm.Get("From")})
	writeXML(w, s.render.GatherSpeech(s.cfg.Voice.Greeting, pathSpeech, noInputGoodbye))
}

func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	callID := r.PostForm.Get("CallSid")
	caller := r.PostForm.Get("From")
	utterance := strings.TrimSpace(r.PostForm.Get("SpeechResult"))

	// Unheard speech is reprompted without spending the caller's budget.
	if utterance == "" {
		writeXML(w, s.render.GatherSpeech(didNotCatch, pathSpeech, noInputGoodbye))
		return
	}
	if !s.limiter.Check(sessionFor(caller, callID)) {
		metricRateLimited.WithLabelValues(agent.ChannelVoice).Inc()
		s.notify(callID, eventRateLimited, map[string]any{"channel": agent.ChannelVoice})
		writeXML(w, s.render.SayHangup(voiceRateLimited))
		return
	}

	key := turns.NewKey(callID)
	s.turns.Create(key, callID, caller, utterance)
	s.notify(callID, eventUtterance, map[string]any{"key": key, "text": utterance})

	s.gateway.Dispatch(key, agent.Request{
		SessionID: sessionFor(caller, callID),
		Caller:    caller,
		Channel:   agent.ChannelVoice,
		Prompt:    utterance,
	}, voiceSink{s: s, callID: callID})

	writeXML(w, s.render.SayRedirect(s.cfg.Voice.AckPhrase, waitURL(key)))
}

// voiceSink shapes agent output for speech before storing it on the turn.
type voiceSink struct {
	s      *Server
	callID string
}

func (v voiceSink) Complete(key, text string) bool {
	spoken := reply.ForSpeech(text, v.s.cfg.Voice.MaxReplyChars)
	if !v.s.turns.Complete(key, spoken) {
		v.s.notify(v.callID, eventReplyDiscarded, map[string]any{"key": key})
		return false
	}
	v.s.notify(v.callID, eventReplyReady, map[string]any{"key": key})
	return true
}

func (s *Server) handleSpeechWait(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	d := s.turns.Poll(key)

	switch d.Outcome {
	case turns.OutcomeSuperseded:
		s.notify(d.Turn.CallID, eventTurnSuperseded, map[string]any{"key": key})
		writeXML(w, s.render.GatherSpeech("", pathSpeech, ""))
	case turns.OutcomeWait:
		writeXML(w, s.render.PauseRedirect(s.filler(d.Polls), pathSpeech, waitURL(key)))
	case turns.OutcomeReady:
		s.notify(d.Turn.CallID, eventReplyDelivered, map[string]any{
			"key":   key,
			"text":  d.Turn.Utterance,
			"reply": d.Reply,
			"polls": d.Polls,
		})
		writeXML(w, s.render.ReplyHangup(d.Reply, s.cfg.Voice.Goodbye, pathSpeech))
	default:
		writeXML(w, s.render.Empty())
	}
}

// filler picks the phrase for the n-th wait; after MaxFillerPolls waits the
// caller hears only silence.
func (s *Server) filler(n int) string {
	phrases := s.cfg.Voice.FillerPhrases
	if n < 1 || n > s.cfg.Voice.MaxFillerPolls || len(phrases) == 0 {
		return ""
	}
	return phrases[(n-1)%len(phrases)]
}

func (s *Server) handleSMS(w http.ResponseWriter, r *http.Request) {
	from := r.PostForm.Get("From")
	msgID := r.PostForm.Get("MessageSid")
	body := strings.TrimSpace(r.PostForm.Get("Body"))
	logID := sessionFor(from, msgID)

	if !s.limiter.Check(logID) {
		metricRateLimited.WithLabelValues(agent.ChannelSMS).Inc()
		s.notify(logID, eventRateLimited, map[string]any{"channel": agent.ChannelSMS})
		writeXML(w, s.render.Message(smsRateLimited))
		return
	}
	if body == "" {
		writeXML(w, s.render.Message(smsEmpty))
		return
	}

	req := agent.Request{SessionID: logID, Caller: from, Channel: agent.ChannelSMS, Prompt: body}
	text, ok, err := s.gateway.Race(r.Context(), req, s.cfg.Agent.SMSFastTimeout, s.lateSMS(logID, from, body))
	if !ok {
		s.notify(logID, eventSMSDeferred, map[string]any{"text": body})
		writeXML(w, s.render.Message(s.cfg.SMS.AckMessage))
		return
	}

	out := s.smsText(text, err)
	metricSMS.WithLabelValues("inline").Inc()
	s.notify(logID, eventSMSInline, map[string]any{"text": body, "reply": out})
	writeXML(w, s.render.Message(out))
}

func (s *Server) smsText(text string, err error) string {
	if err != nil {
		s.log.Warn().Err(err).Msg("agent call failed for sms")
		text = agent.Apology
	}
	if strings.TrimSpace(text) == "" {
		text = turns.DefaultReply
	}
	return reply.ForSMS(text, s.cfg.SMS.MaxReplyChars)
}

// lateSMS delivers a reply that missed the inline window as a new outbound
// message.
func (s *Server) lateSMS(logID, to, prompt string) agent.LateFunc {
	return func(text string, err error) {
		out := s.smsText(text, err)
		if s.sms == nil || !s.sms.Configured() || to == "" {
			metricSMS.WithLabelValues("late_dropped").Inc()
			s.log.Warn().Str("to", to).Msg("late sms reply dropped, outbound sms not configured")
			s.notify(logID, eventSMSLateFailed, map[string]any{"text": prompt, "error": "outbound sms not configured"})
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), lateSMSTimeout)
		defer cancel()
		sid, sendErr := s.sms.Send(ctx, to, out)
		if sendErr != nil {
			metricSMS.WithLabelValues("late_failed").Inc()
			s.log.Error().Err(sendErr).Str("to", to).Msg("late sms reply failed")
			s.notify(logID, eventSMSLateFailed, map[string]any{"text": prompt, "error": sendErr.Error()})
			return
		}
		metricSMS.WithLabelValues("late_sent").Inc()
		s.notify(logID, eventSMSLateSent, map[string]any{"text": prompt, "reply": out, "sid": sid})
	}
}
