// Command relay runs a shard-routing relay node: it forwards request and
// response shards between peers, verifies the destination invariant, and
// emits forward receipts to its local ledger.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shardcore/corenet/pkg/ledger"
	"github.com/shardcore/corenet/pkg/peernet"
	"github.com/shardcore/corenet/pkg/relaycache"
	"github.com/shardcore/corenet/pkg/relayengine"
	"github.com/shardcore/corenet/pkg/settlement"
	"github.com/shardcore/corenet/pkg/vpnkeys"
)

const (
	defaultPort            = 4001
	defaultKeyPath         = "./keys/relay.pem"
	defaultDataDir         = "./data"
	defaultCacheCapacity   = 100_000 // spec.md §9 default
	defaultCacheTTL        = 5 * time.Minute
	defaultLedgerRetention = 30 * 24 * time.Hour
	heartbeatInterval      = 5 * time.Minute
)

var (
	configPath     = flag.String("config", "", "Path to a YAML config file (flags below override it)")
	port           = flag.Int("port", defaultPort, "libp2p listen port")
	keyPath        = flag.String("key", defaultKeyPath, "Path to Ed25519 private key file")
	generateKey    = flag.Bool("genkey", false, "Force generation of a new private key")
	dataDir        = flag.String("data", defaultDataDir, "Directory for the receipt ledger")
	region         = flag.String("region", "", "Advertised region hint for relay discovery")
	bootstrapPeers = flag.String("bootstrap", "", "Comma-separated bootstrap peer multiaddrs")
	cacheCapacity  = flag.Int("cache-capacity", defaultCacheCapacity, "Relay cache LRU capacity")
	cacheTTL       = flag.Duration("cache-ttl", defaultCacheTTL, "Relay cache entry TTL")
)

// fileConfig mirrors the flags above for the optional YAML document; flags
// override whatever the file sets.
type fileConfig struct {
	Port           int    `yaml:"port"`
	KeyPath        string `yaml:"key_path"`
	DataDir        string `yaml:"data_dir"`
	Region         string `yaml:"region"`
	BootstrapPeers string `yaml:"bootstrap_peers"`
	CacheCapacity  int    `yaml:"cache_capacity"`
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
		if err := registry.PublishSelf(ctx, keys.PublicKey(), *region, false); err != nil {
			log.Printf("Warning: failed to publish relay metadata: %v", err)
		}
	}

	cache, err := relaycache.New(*cacheCapacity, *cacheTTL)
	if err != nil {
		log.Fatalf("Failed to build relay cache: %v", err)
	}
	defer cache.Close()

	ledgerPath := fmt.Sprintf("%s/relay-%d-receipts.db", *dataDir, *port)
	led, err := ledger.New(ledgerPath, defaultLedgerRetention)
	if err != nil {
		log.Fatalf("Failed to open receipt ledger: %v", err)
	}
	defer led.Close()
	log.Printf("Receipt ledger at %s", ledgerPath)

	relayengine.New(relayengine.Config{
		Keys:       keys,
		Cache:      cache,
		Ledger:     led,
		Substrate:  sub,
		Registry:   registry,
		ShardCount: 5,
		MaxPayload: 64 * 1024,
	})

	poller := settlement.New(settlement.Config{Ledger: led})
	go poller.Start()
	defer poller.Stop()

	go startHeartbeatLoop(cache, led, registry)

	log.Printf("Relay node running. Public key: %s", keys.PublicKey())
	log.Println("Press Ctrl+C to stop")

	waitForShutdown(sub)
}

func printBanner() {
	fmt.Println("==========================================")
	fmt.Println(" shardcore relay node")
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
	if fc.CacheCapacity != 0 && !set["cache-capacity"] {
		*cacheCapacity = fc.CacheCapacity
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

func startHeartbeatLoop(cache *relaycache.Cache, led *ledger.Ledger, registry *peernet.Registry) {
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
		log.Printf("  cache entries: %d", cache.Len())
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

	log.Println("Relay node stopped")
}
