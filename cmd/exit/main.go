// Command exit runs an exit node: it reassembles request shards, dispatches
// the plaintext HTTP request or tunnel stream to the open internet, and
// re-shards the response back through the relay mesh.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shardcore/corenet/pkg/exitengine"
	"github.com/shardcore/corenet/pkg/ledger"
	"github.com/shardcore/corenet/pkg/peernet"
	"github.com/shardcore/corenet/pkg/settlement"
	"github.com/shardcore/corenet/pkg/vpnkeys"
)

const (
	defaultPort            = 4101
	defaultStatusPort      = 8090
	defaultKeyPath         = "./keys/exit.pem"
	defaultDataDir         = "./data"
	defaultLedgerRetention = 30 * 24 * time.Hour
	defaultMaxResponse     = 16 << 20 // 16 MiB, spec.md §4.D cap
	defaultPendingTTL      = 2 * time.Minute
	defaultTunnelIdle      = 2 * time.Minute
	defaultTunnelPerUser   = 16
	heartbeatInterval      = 5 * time.Minute
)

var (
	configPath     = flag.String("config", "", "Path to a YAML config file (flags below override it)")
	port           = flag.Int("port", defaultPort, "libp2p listen port")
	statusPort     = flag.Int("status-port", defaultStatusPort, "HTTP health/status port")
	keyPath        = flag.String("key", defaultKeyPath, "Path to Ed25519 private key file")
	generateKey    = flag.Bool("genkey", false, "Force generation of a new private key")
	dataDir        = flag.String("data", defaultDataDir, "Directory for the receipt ledger")
	region         = flag.String("region", "", "Advertised region hint for exit discovery")
	bootstrapPeers = flag.String("bootstrap", "", "Comma-separated bootstrap peer multiaddrs")
	blocklistFile  = flag.String("blocklist-file", "", "Path to a newline-separated domain blocklist")
	blocklistCSV   = flag.String("blocklist", "", "Comma-separated domain blocklist (combined with -blocklist-file)")
)

// fileConfig mirrors the flags above for the optional YAML document; flags
// override whatever the file sets.
type fileConfig struct {
	Port           int      `yaml:"port"`
	StatusPort     int      `yaml:"status_port"`
	KeyPath        string   `yaml:"key_path"`
	DataDir        string   `yaml:"data_dir"`
	Region         string   `yaml:"region"`
	BootstrapPeers string   `yaml:"bootstrap_peers"`
	Blocklist      []string `yaml:"blocklist"`
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
	if *region != "" {
		if err := registry.PublishSelf(ctx, keys.PublicKey(), *region, true); err != nil {
			log.Printf("Warning: failed to publish exit metadata: %v", err)
		}
	}

	ledgerPath := fmt.Sprintf("%s/exit-%d-receipts.db", *dataDir, *port)
	led, err := ledger.New(ledgerPath, defaultLedgerRetention)
	if err != nil {
		log.Fatalf("Failed to open receipt ledger: %v", err)
	}
	defer led.Close()
	log.Printf("Receipt ledger at %s", ledgerPath)

	blocklist, err := loadBlocklist(*blocklistFile, *blocklistCSV)
	if err != nil {
		log.Fatalf("Failed to load blocklist: %v", err)
	}
	log.Printf("Domain blocklist loaded")

	engine, err := exitengine.New(exitengine.Config{
		Keys:          keys,
		Substrate:     sub,
		Ledger:        led,
		ShardCount:    5,
		MaxPayload:    64 * 1024,
		Blocklist:     blocklist,
		MaxResponse:   defaultMaxResponse,
		PendingTTL:    defaultPendingTTL,
		TunnelIdle:    defaultTunnelIdle,
		TunnelPerUser: defaultTunnelPerUser,
	})
	if err != nil {
		log.Fatalf("Failed to start exit engine: %v", err)
	}
	defer engine.Close()

	status := exitengine.NewStatusServer(engine, *statusPort)
	go func() {
		if err := status.Start(ctx); err != nil {
			log.Printf("status server stopped: %v", err)
		}
	}()
	log.Printf("Status server on :%d", *statusPort)

	poller := settlement.New(settlement.Config{Ledger: led})
	go poller.Start()
	defer poller.Stop()

	go startHeartbeatLoop(led, registry)

	log.Printf("Exit node running. Public key: %s", keys.PublicKey())
	log.Println("Press Ctrl+C to stop")

	waitForShutdown(sub)
}

func printBanner() {
	fmt.Println("==========================================")
	fmt.Println(" shardcore exit node")
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
	if fc.StatusPort != 0 && !set["status-port"] {
		*statusPort = fc.StatusPort
	}
	if fc.KeyPath != "" && !set["key"] {
		*keyPath = fc.KeyPath
	}
	if fc.DataDir != "" && !set["data"] {
		*dataDir = fc.DataDir
	}
	if fc.Region != "" && !set["region"] {
		*region = fc.Region
	}
	if fc.BootstrapPeers != "" && !set["bootstrap"] {
		*bootstrapPeers = fc.BootstrapPeers
	}
	if len(fc.Blocklist) > 0 && !set["blocklist"] {
		*blocklistCSV = strings.Join(fc.Blocklist, ",")
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

func loadBlocklist(filePath, csv string) (*exitengine.DomainBlocklist, error) {
	var hosts []string
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, err
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line != "" && !strings.HasPrefix(line, "#") {
				hosts = append(hosts, line)
			}
		}
	}
	hosts = append(hosts, splitCSV(csv)...)
	return exitengine.NewDomainBlocklist(hosts), nil
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
		log.Printf("  ledger receipts recorded: %d", receiptCount)
		log.Printf("  known peers: %d", len(registry.KnownPeers()))
		log.Println("----------------------------------------")
	}
}

func waitForShutdown(sub *peernet.Substrate) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println()
	log.Println("Shutting down gracefully...")

	if err := sub.Close(); err != nil {
		log.Printf("Error closing peer substrate: %v", err)
	}

	log.Println("Exit node stopped")
}
