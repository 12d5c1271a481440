// Package streaming relays frames between two websocket connections.
//
// It is used by the master's terminal relay to chain a browser or CLI
// websocket to an agent's own terminal endpoint. Frames are forwarded with
// their original type; control frames such as terminal resize requests are
// not interpreted.
//
// Example usage:
//
//	remote, _, err := dialer.DialContext(ctx, agentWS, header)
//	if err != nil {
//		return err
//	}
//	defer remote.Close()
//	logger := log.With().Str("session_id", sessionID).Logger()
//	err = streaming.NewWebSocketProxy(client, remote, logger).Run(ctx)
package streaming
