package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Artfain/uav-ledger/client"
	"github.com/Artfain/uav-ledger/service"
)

var cmdDevice = &cobra.Command{
	Use:   "device",
	Short: "Act as a UAV against a running node",
	Run:   printUsageAndExit1,
}

var cmdDeviceKeygen = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an Ed25519 identity and write it to a key file",
	Args:  cobra.NoArgs,
	Run:   deviceKeygen,
}

var cmdDeviceRegister = &cobra.Command{
	Use:   "register",
	Short: "Register the identity of a key file",
	Args:  cobra.NoArgs,
	Run:   deviceRegister,
}

var cmdDeviceAuthenticate = &cobra.Command{
	Use:   "authenticate",
	Short: "Authenticate with a fresh nonce signed by a key file",
	Args:  cobra.NoArgs,
	Run:   deviceAuthenticate,
}

var cmdDeviceStatus = &cobra.Command{
	Use:   "status [uav id]",
	Short: "Show the registry entry of a UAV",
	Args:  cobra.MaximumNArgs(1),
	Run:   deviceStatus,
}

var flagDevice = struct {
	Server   string
	KeyFile  string
	ID       string
	Model    string
	Firmware string
	Timeout  time.Duration
}{}

func init() {
	cmdMain.AddCommand(cmdDevice)
	cmdDevice.AddCommand(cmdDeviceKeygen, cmdDeviceRegister, cmdDeviceAuthenticate, cmdDeviceStatus)

	cmdDevice.PersistentFlags().StringVarP(&flagDevice.Server, "server", "s", "http://localhost:8080", "Node URL")
	cmdDevice.PersistentFlags().StringVarP(&flagDevice.KeyFile, "key-file", "k", "uav-key.json", "Key file")
	cmdDevice.PersistentFlags().DurationVar(&flagDevice.Timeout, "timeout", 10*time.Second, "Request timeout")
	cmdDeviceKeygen.Flags().StringVar(&flagDevice.ID, "id", "", "UAV identifier (generated when empty)")
	cmdDeviceRegister.Flags().StringVar(&flagDevice.Model, "model", "", "UAV model")
	cmdDeviceRegister.Flags().StringVar(&flagDevice.Firmware, "firmware", "", "Firmware version")
	_ = cmdDeviceRegister.MarkFlagRequired("model")
	_ = cmdDeviceRegister.MarkFlagRequired("firmware")
}

func deviceKeygen(*cobra.Command, []string) {
	id, err := client.NewIdentity(flagDevice.ID)
	check(err)
	check(id.Save(flagDevice.KeyFile))
	fmt.Printf("UAV ID:     %s\n", id.DeviceID)
	fmt.Printf("Public key: %s\n", id.PublicKeyHex())
	fmt.Printf("Key file:   %s\n", flagDevice.KeyFile)
}

func deviceRegister(*cobra.Command, []string) {
	id, err := client.LoadIdentity(flagDevice.KeyFile)
	check(err)
	ctx, cancel := deviceContext()
	defer cancel()
	resp, err := newClient().Register(ctx, id.Registration(flagDevice.Model, flagDevice.Firmware))
	check(err)
	printWrite(resp)
}

func deviceAuthenticate(*cobra.Command, []string) {
	id, err := client.LoadIdentity(flagDevice.KeyFile)
	check(err)
	ctx, cancel := deviceContext()
	defer cancel()
	req := id.NewAuthentication(time.Now())
	resp, err := newClient().Authenticate(ctx, req)
	check(err)
	printWrite(resp)
	if resp.Success {
		fmt.Printf("Nonce:        %s\n", req.Nonce)
	}
}

func deviceStatus(_ *cobra.Command, args []string) {
	var deviceID string
	if len(args) > 0 {
		deviceID = args[0]
	} else {
		id, err := client.LoadIdentity(flagDevice.KeyFile)
		check(err)
		deviceID = id.DeviceID
	}
	ctx, cancel := deviceContext()
	defer cancel()
	resp, err := newClient().Status(ctx, deviceID)
	check(err)
	printVerdict(resp)
	if !resp.Success {
		return
	}

	var st service.DeviceStatus
	checkf(resp.Decode(&st), "decode status")
	fmt.Printf("Model:        %s\n", st.Model)
	fmt.Printf("Firmware:     %s\n", st.Firmware)
	fmt.Printf("Public key:   %s\n", st.PublicKey)
	if st.LastAuthenticated == nil {
		fmt.Printf("Last auth:    never\n")
	} else {
		at := time.Unix(*st.LastAuthenticated, 0)
		fmt.Printf("Last auth:    %s (%s)\n", humanize.Time(at), at.UTC().Format(time.RFC3339))
	}
}

func newClient() *client.Client {
	return client.New(flagDevice.Server, nil)
}

func deviceContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), flagDevice.Timeout)
}

func printVerdict(resp *client.Response) {
	if resp.Success {
		color.Green("%s", resp.Message)
		return
	}
	color.Red("%s (HTTP %d)", resp.Message, resp.StatusCode)
}

func printWrite(resp *client.Response) {
	printVerdict(resp)
	if !resp.Success {
		return
	}
	var res service.WriteResult
	checkf(resp.Decode(&res), "decode result")
	if res.BlockNumber != nil {
		fmt.Printf("Block:        %s\n", humanize.Comma(*res.BlockNumber))
	} else {
		fmt.Printf("Pending:      %d transactions\n", res.Pending)
	}
}
