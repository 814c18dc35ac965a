/*
Package clients provides a client library for the owner side of an identity host.

OwnerClient wraps the /owner/recovery and /recovery routes:

  - Configure, Config, Verify and Delivery manage the dealt recovery package
  - RecoveryKey and ForceExit need the master key
  - HeldParcels and Release act on parcels this host keeps for other dealers
  - Status, EnterRecovery and ExitRecovery drive account recovery

Non-2xx answers are returned as *StatusError.

Example:

	client := clients.NewOwnerClient("https://frodo.me", token, masterKey)
	resp, err := client.Configure(ctx, api.ConfigureRequest{
		Players: []api.PlayerRequest{
			{Address: "sam.me", Type: "delegate"},
			{Address: "merry.me", Type: "delegate"},
			{Address: "pippin.me", Type: "delegate"},
		},
		MinMatchingShares: 2,
	})
*/
package clients
