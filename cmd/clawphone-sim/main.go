package main

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/ranacseruet/clawphone/internal/auth"
)

type simOptions struct {
	baseURL    string
	publicURL  string
	token      string
	from       string
	text       string
	timeout    time.Duration
	pauseScale float64
}

func main() {
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var opts simOptions
	root := &cobra.Command{
		Use:           "clawphone-sim",
		Short:         "Drive a running clawphone server the way the telephony provider would",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.baseURL, "url", "http://localhost:3000", "server address")
	root.PersistentFlags().StringVar(&opts.publicURL, "public-url", os.Getenv("PUBLIC_BASE_URL"), "public base URL the server verifies signatures against (default: --url)")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("TWILIO_AUTH_TOKEN"), "auth token used to sign webhooks")
	root.PersistentFlags().StringVar(&opts.from, "from", "+15555550100", "caller number")
	root.PersistentFlags().StringVar(&opts.text, "text", "Hello, what can you do?", "utterance or message body")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "overall timeout")
	root.PersistentFlags().Float64Var(&opts.pauseScale, "pause-scale", 1, "multiplier applied to <Pause> lengths between polls")

	root.AddCommand(&cobra.Command{
		Use:   "call",
		Short: "Place a voice call, speak once and poll for the reply",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return newSim(opts).call(cmd.Context())
		},
	}, &cobra.Command{
		Use:   "sms",
		Short: "Send one text message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return newSim(opts).sms(cmd.Context())
		},
	})

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type sim struct {
	opts     simOptions
	verifier auth.Verifier
	http     *http.Client
}

func newSim(opts simOptions) *sim {
	opts.baseURL = strings.TrimRight(opts.baseURL, "/")
	public := opts.publicURL
	if public == "" {
		public = opts.baseURL
	}
	return &sim{
		opts:     opts,
		verifier: auth.NewVerifier(opts.token, public),
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *sim) call(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	callID := "CA" + strings.ReplaceAll(uuid.NewString(), "-", "")
	fmt.Printf("=== Voice call %s from %s ===\n", callID, s.opts.from)

	fmt.Println("[1] POST /voice")
	doc, err := s.post(ctx, "/voice", url.Values{"CallSid": {callID}, "From": {s.opts.from}})
	if err != nil {
		return err
	}
	doc.print()

	fmt.Printf("[2] POST /speech: %q\n", s.opts.text)
	start := time.Now()
	doc, err = s.post(ctx, "/speech", url.Values{
		"CallSid":      {callID},
		"From":         {s.opts.from},
		"SpeechResult": {s.opts.text},
	})
	if err != nil {
		return err
	}
	doc.print()

	for poll := 1; doc.Redirect != ""; poll++ {
		if doc.Pause > 0 {
			wait := time.Duration(float64(doc.Pause) * s.opts.pauseScale * float64(time.Second))
			select {
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), "waiting for reply")
			case <-time.After(wait):
			}
		}
		fmt.Printf("[%d] POST %s\n", poll+2, doc.Redirect)
		doc, err = s.post(ctx, doc.Redirect, url.Values{"CallSid": {callID}, "From": {s.opts.from}})
		if err != nil {
			return err
		}
		doc.print()
	}

	if !doc.Hangup {
		fmt.Println("[*] call left open without a hangup")
	}
	fmt.Printf("[*] exchange took %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}

func (s *sim) sms(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	msgID := "SM" + strings.ReplaceAll(uuid.NewString(), "-", "")
	fmt.Printf("=== SMS %s from %s: %q ===\n", msgID, s.opts.from, s.opts.text)
	doc, err := s.post(ctx, "/sms", url.Values{
		"MessageSid": {msgID},
		"From":       {s.opts.from},
		"Body":       {s.opts.text},
	})
	if err != nil {
		return err
	}
	doc.print()
	return nil
}

func (s *sim) post(ctx context.Context, path string, form url.Values) (*document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if s.verifier.AuthToken != "" {
		s.verifier.Sign(req, form)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "POST %s", path)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s response", path)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("POST %s: %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}
	return parseDocument(body)
}

// document is the flattened view of a response the simulator acts on.
type document struct {
	Says     []string
	Messages []string
	Pause    int
	Redirect string
	Hangup   bool
	Gather   bool
}

func parseDocument(body []byte) (*document, error) {
	doc := &document{}
	dec := xml.NewDecoder(strings.NewReader(string(body)))
	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return doc, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "decoding response")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			text.Reset()
			switch t.Name.Local {
			case "Gather":
				doc.Gather = true
			case "Hangup":
				doc.Hangup = true
			case "Pause":
				for _, a := range t.Attr {
					if a.Name.Local == "length" {
						doc.Pause, _ = strconv.Atoi(a.Value)
					}
				}
			}
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			val := strings.TrimSpace(text.String())
			switch t.Name.Local {
			case "Say":
				doc.Says = append(doc.Says, val)
			case "Message":
				doc.Messages = append(doc.Messages, val)
			case "Redirect":
				doc.Redirect = val
			}
			text.Reset()
		}
	}
}

func (d *document) print() {
	ts := time.Now().Format("15:04:05.000")
	for _, s := range d.Says {
		fmt.Printf("[%s] <- Say: %q\n", ts, s)
	}
	for _, m := range d.Messages {
		fmt.Printf("[%s] <- Message: %q\n", ts, m)
	}
	if d.Pause > 0 {
		fmt.Printf("[%s] <- Pause: %ds\n", ts, d.Pause)
	}
	if d.Redirect != "" {
		fmt.Printf("[%s] <- Redirect: %s\n", ts, d.Redirect)
	}
	if d.Hangup {
		fmt.Printf("[%s] <- Hangup\n", ts)
	}
	if len(d.Says)+len(d.Messages) == 0 && d.Redirect == "" && !d.Hangup && !d.Gather {
		fmt.Printf("[%s] <- (empty response)\n", ts)
	}
}
