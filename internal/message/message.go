// Package message composes customer-facing delay messages per channel,
// asking the text-generation chain for wording and falling back to fixed
// templates.
package message

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/petrijr/delaywatch/internal/textgen"
	"github.com/petrijr/delaywatch/pkg/api"
)

const systemPrompt = "You write short, polite delivery delay notices for customers. " +
	"Do not invent facts. Do not include links."

const maxSMSLength = 320

var (
	subjectTmpl = template.Must(template.New("subject").Parse(
		`Delivery update: {{if .TrackingNumber}}{{.TrackingNumber}} {{end}}is running about {{.DelayMinutes}} minutes late`))

	emailTmpl = template.Must(template.New("email").Parse(`Hello,

Your delivery{{if .TrackingNumber}} {{.TrackingNumber}}{{end}} to {{.Destination}} is delayed by about {{.DelayMinutes}} minutes due to {{.Condition}} traffic.
{{if .NewETA}}The new estimated arrival is {{.NewETA}}.
{{end}}
We apologise for the inconvenience.`))

	smsTmpl = template.Must(template.New("sms").Parse(
		`Your delivery{{if .TrackingNumber}} {{.TrackingNumber}}{{end}} is delayed ~{{.DelayMinutes}} min ({{.Condition}} traffic).{{if .NewETA}} New ETA {{.NewETA}}.{{end}}`))
)

// Input is everything a message is composed from.
type Input struct {
	TrackingNumber string
	Destination    string
	ScheduledTime  time.Time
	DelayMinutes   int
	Condition      api.TrafficCondition
	Severity       api.Severity
	Channels       []api.Channel
}

type view struct {
	TrackingNumber string
	Destination    string
	DelayMinutes   int
	Condition      api.TrafficCondition
	NewETA         string
}

// Composer builds per-channel messages.
type Composer struct {
	chain *textgen.Chain
}

// NewComposer creates a Composer over the text-generation chain.
func NewComposer(c *textgen.Chain) *Composer {
	return &Composer{chain: c}
}

// Compose returns one message per requested channel.
func (c *Composer) Compose(ctx context.Context, in Input) (*api.MessageResult, error) {
	v := view{
		TrackingNumber: in.TrackingNumber,
		Destination:    in.Destination,
		DelayMinutes:   in.DelayMinutes,
		Condition:      in.Condition,
	}
	if !in.ScheduledTime.IsZero() {
		v.NewETA = in.ScheduledTime.Add(time.Duration(in.DelayMinutes) * time.Minute).Format("15:04 MST")
	}
	if v.Destination == "" {
		v.Destination = "your address"
	}

	subject, err := render(subjectTmpl, v)
	if err != nil {
		return nil, err
	}

	res := &api.MessageResult{}
	for _, ch := range in.Channels {
		tmpl, maxTokens := emailTmpl, 300
		if ch == api.ChannelSMS {
			tmpl, maxTokens = smsTmpl, 80
		}
		fallback, err := render(tmpl, v)
		if err != nil {
			return nil, err
		}

		served, err := c.chain.Invoke(ctx, textgen.Request{
			Prompt:       prompt(ch, in, v),
			SystemPrompt: systemPrompt,
			MaxTokens:    maxTokens,
			Fallback:     fallback,
		})
		if err != nil {
			return nil, err
		}

		body := served.Value.Text
		if ch == api.ChannelSMS && len(body) > maxSMSLength {
			body = body[:maxSMSLength]
		}

		msg := api.ChannelMessage{Channel: ch, Body: body}
		if ch == api.ChannelEmail {
			msg.Subject = subject
		}
		res.Messages = append(res.Messages, msg)

		if served.Value.Model != textgen.TemplateModel {
			res.AIGenerated = true
		}
		if res.Model == "" || res.Model == textgen.TemplateModel {
			res.Model = served.Value.Model
		}
		res.Tokens += served.Value.Tokens
	}
	return res, nil
}

func prompt(ch api.Channel, in Input, v view) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a %s notice for a customer whose delivery is delayed.\n", ch)
	fmt.Fprintf(&b, "Delay: %d minutes. Traffic: %s. Severity: %s.\n", in.DelayMinutes, in.Condition, in.Severity)
	if v.TrackingNumber != "" {
		fmt.Fprintf(&b, "Tracking number: %s.\n", v.TrackingNumber)
	}
	if v.NewETA != "" {
		fmt.Fprintf(&b, "New estimated arrival: %s.\n", v.NewETA)
	}
	if ch == api.ChannelSMS {
		b.WriteString("Keep it under 160 characters.")
	}
	return b.String()
}

func render(t *template.Template, v view) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, v); err != nil {
		return "", err
	}
	return buf.String(), nil
}
