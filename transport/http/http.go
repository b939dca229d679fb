// Package http pushes events between sagaflow processes over plain HTTP.
// Each event is POSTed to <publisher url>/<topic>; an embedded server
// receives them when a server address is configured. A process with only a
// server address publishes to itself, one with only a publisher URL cannot
// subscribe. There are no consumer groups, so every group shares the single
// subscriber.
package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/transport"
)

const TransportName = "http"

// ErrNoServer is returned when subscribing without a server address.
var ErrNoServer = errors.New("http: no server address configured")

var (
	// PublisherFactory and SubscriberFactory are swapped out in tests.
	PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return http.NewPublisher(config, logger)
	}
	SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return http.NewSubscriber(addr, config, logger)
	}
)

func init() {
	Register()
}

// Register adds the transport to transport.DefaultRegistry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}

// Build creates the publisher and, when a server address is set, the
// receiving server.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	addr := cfg.GetHTTPServerAddress()
	base := cfg.GetHTTPPublisherURL()
	if base == "" && addr != "" {
		base = loopbackURL(addr)
	}
	if base == "" {
		return transport.Transport{}, errspkg.NewTransportError("build", "", errors.New("http: server address or publisher URL is required"))
	}

	publisher, err := PublisherFactory(http.PublisherConfig{
		MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
			target, err := topicURL(base, topic)
			if err != nil {
				return nil, err
			}
			return http.DefaultMarshalMessageFunc(target, msg)
		},
	}, logger)
	if err != nil {
		return transport.Transport{}, errspkg.NewTransportError("build publisher", "", err)
	}

	if addr == "" {
		return transport.Transport{
			Publisher: publisher,
			Subscribers: transport.NewGroupSubscribers(func(string) (message.Subscriber, error) {
				return nil, ErrNoServer
			}),
		}, nil
	}

	subscriber, err := SubscriberFactory(addr, http.SubscriberConfig{
		UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, errspkg.NewTransportError("build subscriber", "", err)
	}
	if server, ok := subscriber.(*http.Subscriber); ok {
		go serve(server, addr, logger)
	}

	return transport.Transport{
		Publisher:   publisher,
		Subscribers: transport.SharedSubscriber(subscriber),
	}, nil
}

func serve(server *http.Subscriber, addr string, logger watermill.LoggerAdapter) {
	err := server.StartHTTPServer()
	if err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
		logger.Error("HTTP event server stopped", err, watermill.LogFields{"addr": addr})
	}
}

// topicURL appends the escaped topic as the last path segment of base.
func topicURL(base, topic string) (string, error) {
	if topic == "" {
		return "", errspkg.ErrTopicRequired
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", errspkg.NewTransportError("publish", topic, err)
	}
	return u.JoinPath(topic).String(), nil
}

// loopbackURL turns a listen address such as ":8080" into a URL this
// process can reach itself on.
func loopbackURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}
