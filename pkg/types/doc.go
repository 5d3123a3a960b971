// Package types defines the JSON wire types shared by channelrelay-server and
// relayctl: the websocket message shapes, the webhook body, and the request and
// response bodies of the administration API.
package types
