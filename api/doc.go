/*
Package api holds the wire types, headers and peer protocol paths of the social
recovery API, shared by the HTTP handlers, the peer client and the owner client.

Subpackages:

  - server: HTTP server lifecycle, health and drain endpoints, metrics
  - recoveryhandler: owner, account-recovery and peer route groups
  - clients: owner client library

Peer requests are signed: X-Peer-Identity names the calling host,
X-Peer-Timestamp carries the signing time in Unix seconds and X-Peer-Signature
carries a base64 ECDSA signature over the timestamp, request path and body.
Requests signed outside the accepted clock skew are refused.
Owner routes are authenticated with X-Owner-Token; routes touching the escrowed
recovery key also take the base64 master key in X-Master-Key.
*/
package api
