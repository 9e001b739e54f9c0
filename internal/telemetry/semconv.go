package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by pricewatch instruments.
const (
	AttrEnvironment     = attribute.Key("environment")
	AttrProvider        = attribute.Key("provider")
	AttrSymbol          = attribute.Key("symbol")
	AttrOperation       = attribute.Key("operation")
	AttrResult          = attribute.Key("result")
	AttrStatus          = attribute.Key("status")
	AttrReason          = attribute.Key("reason")
	AttrConnectionState = attribute.Key("connection.state")
	AttrFrameKind       = attribute.Key("frame.kind")
)

// Provider values.
const (
	ProviderKraken    = "kraken"
	ProviderCoinGecko = "coingecko"
)

// Result values.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

// ConnectionAttributes returns attributes for connection state metrics.
func ConnectionAttributes(provider, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrProvider.String(provider),
		AttrConnectionState.String(state),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(provider, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrProvider.String(provider),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// AckAttributes returns attributes for subscription acknowledgement metrics.
func AckAttributes(status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrProvider.String(ProviderKraken),
		AttrStatus.String(status),
	}
}

// DropAttributes returns attributes for dropped frame or event metrics.
func DropAttributes(kind, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrFrameKind.String(kind),
		AttrReason.String(reason),
	}
}
