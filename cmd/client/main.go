// Command client runs a client node: it joins the mesh, exposes a local
// SOCKS5 proxy and a Unix-socket control channel, and routes traffic through
// relays to a chosen exit node.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shardcore/corenet/pkg/clientengine"
	"github.com/shardcore/corenet/pkg/ids"
	"github.com/shardcore/corenet/pkg/ipc"
	"github.com/shardcore/corenet/pkg/ledger"
	"github.com/shardcore/corenet/pkg/peernet"
	"github.com/shardcore/corenet/pkg/settlement"
	"github.com/shardcore/corenet/pkg/socks5"
	"github.com/shardcore/corenet/pkg/vpnkeys"
)

const (
	defaultPort            = 4201
	defaultSocksAddr       = "127.0.0.1:1080"
	defaultSocketPath      = "./data/client.sock"
	defaultKeyPath         = "./keys/client.pem"
	defaultDataDir         = "./data"
	defaultLedgerRetention = 7 * 24 * time.Hour
	defaultPrivacyLevel    = uint8(clientengine.Standard)
	defaultRequestTimeout  = 30 * time.Second
	heartbeatInterval      = 5 * time.Minute
)

var (
	configPath     = flag.String("config", "", "Path to a YAML config file (flags below override it)")
	port           = flag.Int("port", defaultPort, "libp2p listen port")
	socksAddr      = flag.String("socks-addr", defaultSocksAddr, "Local SOCKS5 proxy listen address")
	socketPath     = flag.String("socket", defaultSocketPath, "Unix-domain socket path for the control channel")
	keyPath        = flag.String("key", defaultKeyPath, "Path to Ed25519 private key file")
	generateKey    = flag.Bool("genkey", false, "Force generation of a new private key")
	dataDir        = flag.String("data", defaultDataDir, "Directory for the bandwidth ledger")
	bootstrapPeers = flag.String("bootstrap", "", "Comma-separated bootstrap peer multiaddrs")
	privacyLevel   = flag.Uint("privacy", uint(defaultPrivacyLevel), "Initial privacy level (0=direct .. 3=paranoid)")
	initialExit    = flag.String("exit", "", "Hex-encoded public key of the default exit node")
)

// fileConfig mirrors the flags above for the optional YAML document; flags
// override whatever the file sets.
type fileConfig struct {
	Port           int    `yaml:"port"`
	SocksAddr      string `yaml:"socks_addr"`
	SocketPath     string `yaml:"socket_path"`
	KeyPath        string `yaml:"key_path"`
	DataDir        string `yaml:"data_dir"`
	BootstrapPeers string `yaml:"bootstrap_peers"`
	PrivacyLevel   int    `yaml:"privacy_level"`
	InitialExit    string `yaml:"initial_exit"`
}

func main() {
	flag.Parse()
	printBanner()

	if *configPath != "" {
		if err := loadFileConfig(*configPath); err != nil {
			log.Fatalf("Failed to load config %s: %v", *configPath, err)
		}
	}

	keys, err := loadKeys(*keyPath, *generateKey)
	if err != nil {
		log.Fatalf("Failed to load/generate key: %v", err)
	}
	log.Printf("Private key loaded from %s", *keyPath)

	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := peernet.NewSubstrate(ctx, peernet.Config{
		ListenPort:     *port,
		BootstrapPeers: splitCSV(*bootstrapPeers),
		ShardCount:     5,
		MaxPayload:     64 * 1024,
	})
	if err != nil {
		log.Fatalf("Failed to start peer substrate: %v", err)
	}
	log.Printf("Listening on %s", sub.Addrs())

	registry := peernet.NewRegistry(sub, 5, 10*time.Minute)

	ledgerPath := filepath.Join(*dataDir, fmt.Sprintf("client-%d-receipts.db", *port))
	led, err := ledger.New(ledgerPath, defaultLedgerRetention)
	if err != nil {
		log.Fatalf("Failed to open receipt ledger: %v", err)
	}
	defer led.Close()
	log.Printf("Bandwidth ledger at %s", ledgerPath)

	engine, err := clientengine.New(clientengine.Config{
		Keys:           keys,
		Substrate:      sub,
		Ledger:         led,
		Registry:       registry,
		ShardCount:     5,
		MaxPayload:     64 * 1024,
		PrivacyLevel:   clientengine.PrivacyLevel(*privacyLevel),
		RequestTimeout: defaultRequestTimeout,
	})
	if err != nil {
		log.Fatalf("Failed to start client engine: %v", err)
	}

	var exit ids.PublicKey
	if *initialExit != "" {
		exit, err = ids.PublicKeyFromHex(*initialExit)
		if err != nil {
			log.Fatalf("Bad -exit public key: %v", err)
		}
	}

	proxy := socks5.New(engine, exit)
	go func() {
		if err := proxy.ListenAndServe(*socksAddr); err != nil {
			log.Printf("socks5 proxy stopped: %v", err)
		}
	}()
	log.Printf("SOCKS5 proxy on %s", *socksAddr)

	control := ipc.New(engine, proxy)
	go func() {
		if err := control.ListenAndServe(*socketPath); err != nil {
			log.Printf("control channel stopped: %v", err)
		}
	}()
	defer control.Close()
	log.Printf("Control channel on %s", *socketPath)

	poller := settlement.New(settlement.Config{Ledger: led})
	go poller.Start()
	defer poller.Stop()

	go startHeartbeatLoop(led, registry)

	log.Printf("Client node running. Public key: %s", keys.PublicKey())
	log.Println("Press Ctrl+C to stop")

	waitForShutdown(sub, proxy)
}

func printBanner() {
	fmt.Println("==========================================")
	fmt.Println(" shardcore client node")
	fmt.Println("==========================================")
}

func loadFileConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return err
	}
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if fc.Port != 0 && !set["port"] {
		*port = fc.Port
	}
	if fc.SocksAddr != "" && !set["socks-addr"] {
		*socksAddr = fc.SocksAddr
	}
	if fc.SocketPath != "" && !set["socket"] {
		*socketPath = fc.SocketPath
	}
	if fc.KeyPath != "" && !set["key"] {
		*keyPath = fc.KeyPath
	}
	if fc.DataDir != "" && !set["data"] {
		*dataDir = fc.DataDir
	}
	if fc.BootstrapPeers != "" && !set["bootstrap"] {
		*bootstrapPeers = fc.BootstrapPeers
	}
	if fc.PrivacyLevel != 0 && !set["privacy"] {
		*privacyLevel = uint(fc.PrivacyLevel)
	}
	if fc.InitialExit != "" && !set["exit"] {
		*initialExit = fc.InitialExit
	}
	return nil
}

func loadKeys(path string, forceGenerate bool) (*vpnkeys.Keystore, error) {
	if forceGenerate {
		ks, err := vpnkeys.Generate()
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll("./keys", 0700); err != nil {
			return nil, err
		}
		if err := vpnkeys.SaveToFile(path, ks.ExportPrivatePEM()); err != nil {
			return nil, err
		}
		return ks, nil
	}
	return vpnkeys.LoadOrGenerate(path)
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func startHeartbeatLoop(led *ledger.Ledger, registry *peernet.Registry) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for range ticker.C {
		receiptCount, err := led.Count()
		if err != nil {
			log.Printf("heartbeat: failed to count ledger receipts: %v", err)
			continue
		}
		log.Println("----------------------------------------")
		log.Println("heartbeat")
		log.Printf("  bandwidth receipts recorded: %d", receiptCount)
		log.Printf("  known peers: %d", len(registry.KnownPeers()))
		log.Println("----------------------------------------")
	}
}

func waitForShutdown(sub *peernet.Substrate, proxy *socks5.Server) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println()
	log.Println("Shutting down gracefully...")

	if err := proxy.Close(); err != nil {
		log.Printf("Error closing socks5 proxy: %v", err)
	}
	if err := sub.Close(); err != nil {
		log.Printf("Error closing peer substrate: %v", err)
	}

	log.Println("Client node stopped")
}
