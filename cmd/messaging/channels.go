package main

import (
	"github.com/go-kit/log"

	"github.com/flarecore/messaging-core/modules/pushdispatcher"
	"github.com/flarecore/messaging-core/modules/pushworker"
)

// newHTTPGatewayClient builds the pushdispatcher.GatewayClient this binary
// ships: a plain JSON/HTTP relay to each configured access-gateway
// endpoint, standing in for the gRPC fleet a real deployment would wire
// here instead.
func newHTTPGatewayClient(cfg ChannelConfig, logger log.Logger) *pushdispatcher.HTTPGatewayClient {
	return pushdispatcher.NewHTTPGatewayClient(cfg.Gateways, cfg.GatewayTimeout, logger)
}

// newHTTPSenders builds one pushworker.Sender per configured channel
// endpoint (apns/fcm/webpush), all through the same HTTP relay shape.
func newHTTPSenders(cfg ChannelConfig) map[string]pushworker.Sender {
	senders := make(map[string]pushworker.Sender, len(cfg.Senders))
	for channel, endpoint := range cfg.Senders {
		senders[channel] = pushworker.NewHTTPSender(endpoint, cfg.GatewayTimeout)
	}
	return senders
}
