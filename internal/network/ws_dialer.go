package network

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// WSDialer opens relay connections to a WSListener.
type WSDialer struct {
	url    string
	local  Identity
	dialer *websocket.Dialer
	logger zerolog.Logger
}

// NewWSDialer creates a dialer for the relay endpoint at url
// (for example ws://host:7000/relay) that connects as local.
func NewWSDialer(url string, local Identity) *WSDialer {
	return &WSDialer{
		url:   url,
		local: local,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		logger: log.With().
			Str("component", "relay_dialer").
			Str("identity", local.String()).
			Logger(),
	}
}

// Connect starts the handshake in the background. Messages sent before the
// socket is up are queued; a failed or rejected handshake ends the
// connection with the reason the server gave.
func (d *WSDialer) Connect(ctx context.Context, target Identity) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn := newWSConn(target, nil)

	header := http.Header{}
	header.Set(HeaderIdentity, d.local.String())
	header.Set(HeaderTarget, target.String())

	go func() {
		ws, resp, err := d.dialer.DialContext(ctx, d.url, header)
		if err != nil {
			info := EndInfo{Reason: EndException, Debug: err.Error()}
			if resp != nil {
				if code, convErr := strconv.Atoi(resp.Header.Get(HeaderEndReason)); convErr == nil {
					info = EndInfo{Reason: EndReason(code), Debug: resp.Header.Get(HeaderEndDebug)}
				}
				resp.Body.Close()
			}
			d.logger.Debug().
				Str("target", target.String()).
				Str("reason", info.Reason.String()).
				Str("debug", info.Debug).
				Msg("relay handshake failed")
			conn.fail(info)
			return
		}

		d.logger.Debug().Str("target", target.String()).Msg("relay connection established")
		conn.attach(ws)
	}()

	return conn, nil
}
