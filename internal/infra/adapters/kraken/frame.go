package kraken

import (
	"bytes"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/pricewatch/errs"
)

// FrameKind tags the decoded variant of an inbound frame.
type FrameKind int

const (
	// FrameUnknown marks an undecodable frame.
	FrameUnknown FrameKind = iota
	// FrameControl is an object frame carrying an event field.
	FrameControl
	// FrameTicker is a positional market data frame.
	FrameTicker
)

func (k FrameKind) String() string {
	switch k {
	case FrameControl:
		return "control"
	case FrameTicker:
		return "ticker"
	default:
		return "unknown"
	}
}

// Control event names.
const (
	EventSubscribe          = "subscribe"
	EventUnsubscribe        = "unsubscribe"
	EventSubscriptionStatus = "subscriptionStatus"
	EventHeartbeat          = "heartbeat"
	EventPing               = "ping"
	EventPong               = "pong"
	EventSystemStatus       = "systemStatus"
)

// AckStatus is the status carried by a subscriptionStatus event.
type AckStatus string

const (
	AckSubscribed   AckStatus = "subscribed"
	AckUnsubscribed AckStatus = "unsubscribed"
	AckError        AckStatus = "error"
)

// Control is a decoded control event.
type Control struct {
	Event        string    `json:"event"`
	Status       AckStatus `json:"status,omitempty"`
	Pair         string    `json:"pair,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	ChannelName  string    `json:"channelName,omitempty"`
	ReqID        int64     `json:"reqid,omitempty"`
}

// IsAck reports whether the control event acknowledges a subscription change.
func (c Control) IsAck() bool {
	return c.Event == EventSubscriptionStatus
}

// Ticker is a decoded last-trade update.
type Ticker struct {
	ChannelID int64
	Channel   string
	Pair      string
	Price     decimal.Decimal
}

// Frame is the tagged union produced by DecodeFrame. Exactly one of Control or
// Ticker is meaningful, selected by Kind.
type Frame struct {
	Kind    FrameKind
	Control Control
	Ticker  Ticker
}

type tickerPayload struct {
	Close []json.RawMessage `json:"c"`
	Pair  *string           `json:"pair"`
}

// DecodeFrame classifies a raw text frame. channel is the market data channel
// name expected in the trailing position when the payload carries no pair.
func DecodeFrame(data []byte, channel string) (Frame, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Frame{}, protocolError("empty frame")
	}
	switch trimmed[0] {
	case '{':
		return decodeControl(trimmed)
	case '[':
		return decodeTicker(trimmed, channel)
	default:
		return Frame{}, protocolError("unexpected frame prefix")
	}
}

func decodeControl(data []byte) (Frame, error) {
	var ctrl Control
	if err := json.Unmarshal(data, &ctrl); err != nil {
		return Frame{}, protocolError("decode control frame", errs.WithCause(err))
	}
	if strings.TrimSpace(ctrl.Event) == "" {
		return Frame{}, protocolError("control frame missing event")
	}
	if ctrl.IsAck() {
		switch ctrl.Status {
		case AckSubscribed, AckUnsubscribed, AckError:
		default:
			return Frame{}, protocolError(fmt.Sprintf("unknown subscription status %q", ctrl.Status))
		}
		if ctrl.Pair == "" {
			return Frame{}, protocolError("subscription status missing pair")
		}
	}
	return Frame{Kind: FrameControl, Control: ctrl}, nil
}

func decodeTicker(data []byte, channel string) (Frame, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return Frame{}, protocolError("decode data frame", errs.WithCause(err))
	}
	if len(elems) < 2 {
		return Frame{}, protocolError("data frame too short")
	}

	var payload tickerPayload
	if err := json.Unmarshal(elems[1], &payload); err != nil {
		return Frame{}, protocolError("data frame payload is not an object", errs.WithCause(err))
	}

	var tick Ticker
	_ = json.Unmarshal(elems[0], &tick.ChannelID)

	switch {
	case payload.Pair != nil && *payload.Pair != "":
		tick.Pair = *payload.Pair
		if len(elems) >= 3 {
			_ = json.Unmarshal(elems[2], &tick.Channel)
		}
	case len(elems) >= 4:
		if err := json.Unmarshal(elems[len(elems)-2], &tick.Channel); err != nil || tick.Channel != channel {
			return Frame{}, protocolError(fmt.Sprintf("unexpected channel %q", tick.Channel))
		}
		if err := json.Unmarshal(elems[len(elems)-1], &tick.Pair); err != nil || tick.Pair == "" {
			return Frame{}, protocolError("data frame missing pair")
		}
	default:
		return Frame{}, protocolError("data frame missing pair")
	}

	if len(payload.Close) == 0 {
		return Frame{}, protocolError("ticker payload missing last trade", errs.WithSymbol(tick.Pair))
	}
	price, err := ParsePrice(payload.Close[0])
	if err != nil {
		return Frame{}, protocolError("ticker last trade price", errs.WithSymbol(tick.Pair), errs.WithCause(err))
	}
	tick.Price = price
	return Frame{Kind: FrameTicker, Ticker: tick}, nil
}

// ParsePrice parses a price given as a JSON string or number. Negative values are rejected.
func ParsePrice(raw json.RawMessage) (decimal.Decimal, error) {
	text := strings.TrimSpace(string(raw))
	if unquoted, ok := strings.CutPrefix(text, `"`); ok {
		text, ok = strings.CutSuffix(unquoted, `"`)
		if !ok {
			return decimal.Decimal{}, fmt.Errorf("unterminated price %s", raw)
		}
	}
	price, err := decimal.NewFromString(strings.TrimSpace(text))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse price %q: %w", text, err)
	}
	if price.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("negative price %s", price)
	}
	return price, nil
}

type subscriptionBody struct {
	Name string `json:"name"`
}

type subscriptionRequest struct {
	Event        string           `json:"event"`
	ReqID        int64            `json:"reqid,omitempty"`
	Pair         []string         `json:"pair"`
	Subscription subscriptionBody `json:"subscription"`
}

// EncodeSubscribe renders a subscribe request for pairs on channel.
func EncodeSubscribe(channel string, pairs []string) ([]byte, error) {
	return encodeSubscription(EventSubscribe, channel, pairs)
}

// EncodeUnsubscribe renders an unsubscribe request for pairs on channel.
func EncodeUnsubscribe(channel string, pairs []string) ([]byte, error) {
	return encodeSubscription(EventUnsubscribe, channel, pairs)
}

func encodeSubscription(event, channel string, pairs []string) ([]byte, error) {
	if len(pairs) == 0 {
		return nil, errs.New("kraken/ws", errs.CodeInvalid, errs.WithMessage(event+" requires at least one pair"))
	}
	req := subscriptionRequest{
		Event:        event,
		Pair:         pairs,
		Subscription: subscriptionBody{Name: channel},
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", event, err)
	}
	return data, nil
}

// EncodePing renders a keep-alive ping.
func EncodePing(reqID int64) ([]byte, error) {
	data, err := json.Marshal(Control{Event: EventPing, ReqID: reqID})
	if err != nil {
		return nil, fmt.Errorf("marshal ping: %w", err)
	}
	return data, nil
}

func protocolError(msg string, opts ...errs.Option) error {
	opts = append([]errs.Option{errs.WithMessage(msg)}, opts...)
	return errs.New("kraken/ws", errs.CodeProtocol, opts...)
}
