// Package upstream owns the single outbound WebSocket connection to the external feed.
//
// A Link dials the feed with bounded exponential backoff and then runs one session at a
// time. Each session has a read half that hands every data frame to the fan-out sink and a
// write half that is the only code writing to the socket: it sends the subscribe messages,
// drains the bounded command queue, and pings the feed on a keepalive interval. When a session
// ends the Link reconnects without touching the registry or its clients.
package upstream
