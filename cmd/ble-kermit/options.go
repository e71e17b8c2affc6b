package main

import (
	"fmt"
	"time"

	"github.com/chaz8081/ble-kermit/internal/ble"
	"github.com/chaz8081/ble-kermit/internal/ble/protocol"
	"github.com/chaz8081/ble-kermit/internal/config"
	"github.com/chaz8081/ble-kermit/internal/kermit"
	"github.com/chaz8081/ble-kermit/internal/session"
)

// sessionOptions maps the transfer and protocol sections onto a session.
func sessionOptions(cfg *config.Config) session.Options {
	opts := session.DefaultOptions()
	t := cfg.Transfer
	opts.Root = t.Root
	opts.RxSize = t.RxSize
	opts.TxSize = t.TxSize
	opts.ChunkSize = t.ChunkSize
	opts.ChunkDelay = t.ChunkDelay
	opts.ChunkRetries = t.ChunkRetries
	opts.EmptyBackoff = t.EmptyBackoff
	opts.StopAfterGet = t.StopAfterGet
	opts.DirMax = t.DirMax
	opts.Parity = cfg.Protocol.Parity
	opts.Engine = kermit.Options{
		Timeout: time.Duration(cfg.Protocol.Timeout) * time.Second,
		Retries: cfg.Protocol.Retries,
		MaxLen:  cfg.Protocol.MaxLen,
		Keep:    cfg.Protocol.KeepIncomplete,
	}
	return opts
}

// machineOptions builds the state machine settings for the device at addr.
func machineOptions(cfg *config.Config, addr string, rep session.Reporter) (ble.MachineOptions, error) {
	hs, err := cfg.Handshake.Decode()
	if err != nil {
		return ble.MachineOptions{}, fmt.Errorf("config: %w", err)
	}
	opts := ble.DefaultMachineOptions()
	opts.Address = addr
	opts.ReconnectMax = cfg.Device.ReconnectMax
	opts.Handshake = protocol.Handshake{Ident: hs.Ident, Auth: hs.Auth, Misc: hs.Misc}
	opts.AuthSecret = hs.AuthSecret
	opts.Session = sessionOptions(cfg)
	opts.Reporter = rep
	return opts, nil
}
