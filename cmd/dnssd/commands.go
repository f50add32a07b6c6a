package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/eleven-am/dnssd"
	"github.com/eleven-am/dnssd/internal/xjson"
)

func runBrowse(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("browse", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	timeout := fs.Duration("timeout", 0, "stop after this long; 0 runs until interrupted")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := common.config()
	if err != nil {
		return err
	}
	engine, err := dnssd.New(cfg)
	if err != nil {
		return err
	}
	defer engine.Close()
	common.serveStatus(ctx, cfg, engine, nil)

	var mu sync.Mutex
	enc := xjson.NewLineEncoder(out)
	onRecord := func(r dnssd.ServiceRecord) {
		mu.Lock()
		defer mu.Unlock()
		if common.jsonOut {
			if err := enc.Encode(r); err != nil {
				cfg.Logger.Warn("encode record failed", "error", err)
			}
			return
		}
		printRecord(out, r)
	}

	query := cfg.Service.Query()
	if err := engine.StartBrowse(ctx, query, onRecord); err != nil {
		return err
	}
	cfg.Logger.Info("browsing", "query", query, "backend", engine.ResolverName())

	waitFor(ctx, *timeout)
	engine.StopBrowse()
	return nil
}

func runRegister(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	name := fs.String("name", "", "instance label, e.g. \"My Site\"")
	host := fs.String("host", "", "target host; defaults to <hostname>.local")
	port := fs.Uint("port", 0, "service port")
	txtFlag := fs.String("txt", "", "TXT entries as k=v,k2=v2")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return fmt.Errorf("-name is required")
	}
	if *port == 0 || *port > 65535 {
		return fmt.Errorf("-port must be between 1 and 65535")
	}

	txt, err := parseTXT(*txtFlag)
	if err != nil {
		return err
	}
	cfg, err := common.config()
	if err != nil {
		return err
	}
	if *host == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("hostname: %w", err)
		}
		*host = hostname + ".local"
	}

	engine, err := dnssd.New(cfg)
	if err != nil {
		return err
	}

	common.serveStatus(ctx, cfg, engine, nil)

	unsubscribe := engine.SubscribeRegistration(func(ev dnssd.RegistrationEvent) {
		cfg.Logger.Debug("registration", "from", ev.From, "to", ev.To, "error", ev.Err)
	})
	defer unsubscribe()

	instance := dnssd.Instance{
		Name: *name + "." + cfg.Service.Query(),
		Host: *host,
		Port: uint16(*port),
		TXT:  txt,
	}
	if err := engine.RegisterAndWait(ctx, instance); err != nil {
		engine.Close()
		return err
	}

	fmt.Fprintf(out, "registered\t%s\t%s:%d\n", instance.Name, instance.Host, instance.Port)

	<-ctx.Done()
	if err := engine.Close(); err != nil {
		return err
	}
	fmt.Fprintf(out, "withdrawn\t%s\n", instance.Name)
	return nil
}

func runPeers(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("peers", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	port := fs.Uint("port", 0, "port this device advertises")
	dataDir := fs.String("data", "", "identity store directory; empty keeps it in memory")
	device := fs.String("device", "", "device name; defaults to the hostname")
	icon := fs.String("icon", "", "icon key")
	timeout := fs.Duration("timeout", 0, "stop after this long; 0 runs until interrupted")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *port == 0 || *port > 65535 {
		return fmt.Errorf("-port must be between 1 and 65535")
	}

	cfg, err := common.config()
	if err != nil {
		return err
	}
	if *dataDir != "" {
		cfg.Identity.DataDir = *dataDir
		cfg.Identity.InMemory = false
	} else if cfg.Identity.DataDir == "" {
		cfg.Identity.InMemory = true
	}
	if *device != "" {
		cfg.Identity.DeviceName = *device
	}
	if *icon != "" {
		cfg.Identity.IconKey = *icon
	}

	peers, err := dnssd.NewPeers(cfg, uint16(*port))
	if err != nil {
		return err
	}
	defer peers.Close()
	common.serveStatus(ctx, cfg, peers.Engine(), peers)

	events, unsubscribe := peers.Subscribe()
	defer unsubscribe()

	if err := peers.Run(ctx); err != nil {
		return err
	}
	cfg.Logger.Info("announcing", "instance", peers.InstanceName(), "fingerprint", peers.Identity().Fingerprint)

	var deadline <-chan time.Time
	if *timeout > 0 {
		timer := time.NewTimer(*timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	enc := xjson.NewLineEncoder(out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline:
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if common.jsonOut {
				if err := enc.Encode(peerEventJSON(ev)); err != nil {
					return err
				}
				continue
			}
			printPeerEvent(out, ev)
		}
	}
}

type peerEvent struct {
	Type      string               `json:"type"`
	Candidate *dnssd.PeerCandidate `json:"candidate,omitempty"`
	Addresses []string             `json:"addresses,omitempty"`
}

func peerEventJSON(ev dnssd.CandidateEvent) peerEvent {
	out := peerEvent{Type: ev.Type.String()}
	if ev.Type == dnssd.LocalAddressesChanged {
		out.Addresses = ev.Addresses
		return out
	}
	c := ev.Candidate
	out.Candidate = &c
	return out
}

func printPeerEvent(w io.Writer, ev dnssd.CandidateEvent) {
	if ev.Type == dnssd.LocalAddressesChanged {
		fmt.Fprintf(w, "local\t%v\n", ev.Addresses)
		return
	}
	c := ev.Candidate
	fmt.Fprintf(w, "%s\t%s\t%s\t%s:%d\t%v\n", ev.Type, c.Fingerprint, c.DeviceName, c.Host, c.Port, c.Addresses)
}
