// Package twiml renders the XML markup returned to voice and messaging webhooks.
package twiml

import (
	"encoding/xml"
	"time"
)

const ContentType = "text/xml; charset=utf-8"

type Response struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any
}

type Say struct {
	XMLName  xml.Name `xml:"Say"`
	Voice    string   `xml:"voice,attr,omitempty"`
	Language string   `xml:"language,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

type Gather struct {
	XMLName       xml.Name `xml:"Gather"`
	Input         string   `xml:"input,attr,omitempty"`
	Action        string   `xml:"action,attr,omitempty"`
	Method        string   `xml:"method,attr,omitempty"`
	SpeechTimeout string   `xml:"speechTimeout,attr,omitempty"`
	Language      string   `xml:"language,attr,omitempty"`
	Verbs         []any
}

type Pause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr,omitempty"`
}

type Redirect struct {
	XMLName xml.Name `xml:"Redirect"`
	Method  string   `xml:"method,attr,omitempty"`
	URL     string   `xml:",chardata"`
}

type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

type Message struct {
	XMLName xml.Name `xml:"Message"`
	Body    string   `xml:",chardata"`
}

// Marshal encodes resp with the XML declaration.
func Marshal(resp Response) ([]byte, error) {
	out, err := xml.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}

type Options struct {
	Voice    string
	Language string
	// PollPause is how long a waiting caller hears silence between polls.
	PollPause time.Duration
}

// Renderer builds the responses for each conversational intent.
type Renderer struct {
	opts Options
}

func NewRenderer(opts Options) *Renderer {
	return &Renderer{opts: opts}
}

// SayHangup speaks text and ends the call.
func (r *Renderer) SayHangup(text string) []byte {
	return r.render(r.say(text), Hangup{})
}

// SayRedirect speaks text, then fetches the next instructions from url.
func (r *Renderer) SayRedirect(text, url string) []byte {
	return r.render(r.say(text), redirect(url))
}

// GatherSpeech listens for speech and posts it to action. A non-empty prompt
// is spoken while listening; a non-empty fallback is spoken, followed by a
// hangup, when the caller says nothing.
func (r *Renderer) GatherSpeech(prompt, action, fallback string) []byte {
	g := r.gather(action)
	if prompt != "" {
		g.Verbs = append(g.Verbs, r.say(prompt))
	}
	if fallback == "" {
		return r.render(g)
	}
	return r.render(g, r.say(fallback), Hangup{})
}

// PauseRedirect keeps a waiting caller on the line: an optional filler phrase
// and a pause, inside a gather so the caller can speak over it, then a redirect
// to url to poll again.
func (r *Renderer) PauseRedirect(filler, action, url string) []byte {
	g := r.gather(action)
	if filler != "" {
		g.Verbs = append(g.Verbs, r.say(filler))
	}
	g.Verbs = append(g.Verbs, Pause{Length: r.pauseSeconds()})
	return r.render(g, redirect(url))
}

// ReplyHangup speaks the reply inside a gather so the caller can follow up;
// if they stay silent the goodbye is spoken and the call ends.
func (r *Renderer) ReplyHangup(reply, goodbye, action string) []byte {
	g := r.gather(action)
	g.Verbs = append(g.Verbs, r.say(reply))
	verbs := []any{g}
	if goodbye != "" {
		verbs = append(verbs, r.say(goodbye))
	}
	verbs = append(verbs, Hangup{})
	return r.render(verbs...)
}

// Message replies to an inbound text.
func (r *Renderer) Message(body string) []byte {
	return r.render(Message{Body: body})
}

// Empty is a response with no instructions.
func (r *Renderer) Empty() []byte {
	return r.render()
}

func (r *Renderer) say(text string) Say {
	return Say{Voice: r.opts.Voice, Language: r.opts.Language, Text: text}
}

func (r *Renderer) gather(action string) Gather {
	return Gather{
		Input:         "speech",
		Action:        action,
		Method:        "POST",
		SpeechTimeout: "auto",
		Language:      r.opts.Language,
	}
}

func (r *Renderer) pauseSeconds() int {
	s := int(r.opts.PollPause.Round(time.Second) / time.Second)
	if s < 1 {
		return 1
	}
	return s
}

func redirect(url string) Redirect {
	return Redirect{Method: "POST", URL: url}
}

var emptyResponse = []byte(xml.Header + "<Response></Response>")

func (r *Renderer) render(verbs ...any) []byte {
	out, err := Marshal(Response{Verbs: verbs})
	if err != nil {
		return emptyResponse
	}
	return out
}
