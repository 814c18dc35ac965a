/*
Package recoveryhandler serves the social recovery API of one identity host.

Three route groups are registered:

  - /owner/recovery/* authenticated with X-Owner-Token. Routes that touch the
    escrow (configure, recovery-key, force-exit) also need X-Master-Key.
  - /recovery/* public account recovery: enter, exit, status and the targets of
    the emailed verification and finalize links.
  - /password-recovery/* peer routes, signed with X-Peer-Identity,
    X-Peer-Timestamp and X-Peer-Signature and checked against the peer
    directory before the handler runs.

A recovering dealer's request-shard call is queued on the player host. The
player's owner lists it under /owner/recovery/requests and approves or rejects
it; approval releases the parcel back to the dealer.

Core errors are mapped to status codes in statusFor.
*/
package recoveryhandler
