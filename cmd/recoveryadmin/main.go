package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/ruteri/identity-recovery-backend/api"
	"github.com/ruteri/identity-recovery-backend/api/clients"
	"github.com/ruteri/identity-recovery-backend/cryptoutils"
	"github.com/ruteri/identity-recovery-backend/interfaces"
	"github.com/urfave/cli/v2"
)

var flagServer = &cli.StringFlag{
	Name:  "server",
	Value: "http://127.0.0.1:8080",
	Usage: "Identity host to talk to",
}
var flagOwnerToken = &cli.StringFlag{
	Name:    "owner-token",
	EnvVars: []string{"RECOVERY_OWNER_TOKEN"},
	Usage:   "Owner token of the identity host",
}
var flagMasterKey = &cli.StringFlag{
	Name:    "master-key",
	EnvVars: []string{"RECOVERY_MASTER_KEY"},
	Usage:   "Base64 master key, needed by configure, recovery-key and force-exit",
}
var flagPrivkey = &cli.StringFlag{
	Name:  "privkey-file",
	Value: "peer-private.pem",
	Usage: "Path to peer private key",
}
var flagPubkey = &cli.StringFlag{
	Name:  "pubkey-file",
	Value: "peer-public.pem",
	Usage: "Path to peer public key",
}

var ownerFlags = []cli.Flag{flagServer, flagOwnerToken, flagMasterKey}

func ownerClient(cCtx *cli.Context) (*clients.OwnerClient, error) {
	var masterKey []byte
	if raw := cCtx.String(flagMasterKey.Name); raw != "" {
		var err error
		masterKey, err = base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid master key: %w", err)
		}
	}
	return clients.NewOwnerClient(cCtx.String(flagServer.Name), cCtx.String(flagOwnerToken.Name), masterKey), nil
}

// shareRefArgs parses the <dealer> <share-id> arguments of parcel commands.
func shareRefArgs(cCtx *cli.Context) (*clients.OwnerClient, interfaces.IdentityAddress, uuid.UUID, error) {
	if cCtx.NArg() != 2 {
		return nil, "", uuid.Nil, fmt.Errorf("expected <dealer> <share-id>")
	}
	dealer, err := interfaces.NewIdentityAddress(cCtx.Args().Get(0))
	if err != nil {
		return nil, "", uuid.Nil, err
	}
	shareID, err := uuid.Parse(cCtx.Args().Get(1))
	if err != nil {
		return nil, "", uuid.Nil, err
	}
	client, err := ownerClient(cCtx)
	if err != nil {
		return nil, "", uuid.Nil, err
	}
	return client, dealer, shareID, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	app := &cli.App{
		Name:           "recovery-admin",
		Usage:          "Manage social recovery of an identity host",
		DefaultCommand: "status",
		Commands: []*cli.Command{
			{
				Name:  "status",
				Usage: "Show the recovery state",
				Flags: ownerFlags,
				Action: func(cCtx *cli.Context) error {
					client, err := ownerClient(cCtx)
					if err != nil {
						return err
					}
					status, err := client.Status(context.Background())
					if err != nil {
						return err
					}
					return printJSON(status)
				},
			},
			{
				Name:  "generate-peer-key",
				Usage: "Generate the P-256 key pair a host signs peer requests with",
				Flags: []cli.Flag{flagPrivkey, flagPubkey},
				Action: func(cCtx *cli.Context) error {
					privPEM, pubPEM, err := cryptoutils.GeneratePeerKeyPair()
					if err != nil {
						return err
					}
					if err := os.WriteFile(cCtx.String(flagPrivkey.Name), privPEM, 0600); err != nil {
						return err
					}
					return os.WriteFile(cCtx.String(flagPubkey.Name), pubPEM, 0644)
				},
			},
			{
				Name:      "generate-directory",
				Usage:     "Write a peer directory from identity=pubkey-file pairs",
				ArgsUsage: "sam.me=sam-public.pem merry.me=merry-public.pem ...",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "out", Value: "peers.json"},
				},
				Action: func(cCtx *cli.Context) error {
					type entry struct {
						Identity string `json:"identity"`
						PubKey   string `json:"pubkey"`
					}
					var file struct {
						Peers []entry `json:"peers"`
					}
					for _, arg := range cCtx.Args().Slice() {
						identity, path, ok := strings.Cut(arg, "=")
						if !ok {
							return fmt.Errorf("expected identity=pubkey-file, got %q", arg)
						}
						if _, err := interfaces.NewIdentityAddress(identity); err != nil {
							return err
						}
						pubPEM, err := os.ReadFile(path)
						if err != nil {
							return err
						}
						if _, err := cryptoutils.ParsePublicKey(pubPEM); err != nil {
							return fmt.Errorf("%s: %w", path, err)
						}
						file.Peers = append(file.Peers, entry{Identity: identity, PubKey: string(pubPEM)})
					}
					raw, err := json.MarshalIndent(file, "", "  ")
					if err != nil {
						return err
					}
					return os.WriteFile(cCtx.String("out"), raw, 0644)
				},
			},
			{
				Name:      "configure",
				Usage:     "Deal the recovery key to delegate players",
				ArgsUsage: "sam.me merry.me pippin.me ...",
				Flags: append([]cli.Flag{
					&cli.IntFlag{Name: "min-shares", Value: 2},
				}, ownerFlags...),
				Action: func(cCtx *cli.Context) error {
					client, err := ownerClient(cCtx)
					if err != nil {
						return err
					}
					req := api.ConfigureRequest{MinMatchingShares: cCtx.Int("min-shares")}
					for _, p := range cCtx.Args().Slice() {
						req.Players = append(req.Players, api.PlayerRequest{Address: p, Type: interfaces.PlayerTypeDelegate.String()})
					}
					resp, err := client.Configure(context.Background(), req)
					if err != nil {
						return err
					}
					return printJSON(resp)
				},
			},
			{
				Name:  "verify",
				Usage: "Ask every player to attest custody of its share",
				Flags: ownerFlags,
				Action: func(cCtx *cli.Context) error {
					client, err := ownerClient(cCtx)
					if err != nil {
						return err
					}
					resp, err := client.Verify(context.Background())
					if err != nil {
						return err
					}
					return printJSON(resp.Results)
				},
			},
			{
				Name:  "recovery-key",
				Usage: "Print the recovery phrase",
				Flags: ownerFlags,
				Action: func(cCtx *cli.Context) error {
					client, err := ownerClient(cCtx)
					if err != nil {
						return err
					}
					phrase, err := client.RecoveryKey(context.Background())
					if err != nil {
						return err
					}
					fmt.Println(phrase)
					return nil
				},
			},
			{
				Name:  "parcels",
				Usage: "List parcels held for other dealers",
				Flags: ownerFlags,
				Action: func(cCtx *cli.Context) error {
					client, err := ownerClient(cCtx)
					if err != nil {
						return err
					}
					parcels, err := client.HeldParcels(context.Background())
					if err != nil {
						return err
					}
					return printJSON(parcels)
				},
			},
			{
				Name:  "requests",
				Usage: "List dealer requests awaiting approval",
				Flags: ownerFlags,
				Action: func(cCtx *cli.Context) error {
					client, err := ownerClient(cCtx)
					if err != nil {
						return err
					}
					requests, err := client.Requests(context.Background())
					if err != nil {
						return err
					}
					return printJSON(requests)
				},
			},
			{
				Name:      "approve",
				Usage:     "Approve a dealer request and release the parcel",
				ArgsUsage: "<dealer> <share-id>",
				Flags:     ownerFlags,
				Action: func(cCtx *cli.Context) error {
					client, dealer, shareID, err := shareRefArgs(cCtx)
					if err != nil {
						return err
					}
					return client.Approve(context.Background(), dealer, shareID)
				},
			},
			{
				Name:      "reject",
				Usage:     "Reject a dealer request and keep the parcel",
				ArgsUsage: "<dealer> <share-id>",
				Flags:     ownerFlags,
				Action: func(cCtx *cli.Context) error {
					client, dealer, shareID, err := shareRefArgs(cCtx)
					if err != nil {
						return err
					}
					return client.Reject(context.Background(), dealer, shareID)
				},
			},
			{
				Name:      "release",
				Usage:     "Release a held parcel to a recovering dealer",
				ArgsUsage: "<dealer> <share-id>",
				Flags:     ownerFlags,
				Action: func(cCtx *cli.Context) error {
					client, dealer, shareID, err := shareRefArgs(cCtx)
					if err != nil {
						return err
					}
					return client.Release(context.Background(), dealer, shareID)
				},
			},
			{
				Name:  "force-exit",
				Usage: "Cancel recovery without email verification",
				Flags: ownerFlags,
				Action: func(cCtx *cli.Context) error {
					client, err := ownerClient(cCtx)
					if err != nil {
						return err
					}
					return client.ForceExit(context.Background())
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
