// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/c2FmZQ/storage/crypto"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/ttbt-io/turnledger/backend"
)

// config holds the defaults taken from the environment. Flags override them.
type config struct {
	Addr           string `env:"TL_ADDR"               envDefault:":8080"`
	DataDir        string `env:"TL_DATA_DIR"           envDefault:"data"`
	MockAuth       bool   `env:"TL_MOCK_AUTH"`
	Debug          bool   `env:"TL_DEBUG"`
	Raft           bool   `env:"TL_RAFT"`
	RaftBind       string `env:"TL_RAFT_BIND"          envDefault:":8081"`
	RaftAdvertise  string `env:"TL_RAFT_ADVERTISE"`
	HTTPAdvertise  string `env:"TL_HTTP_ADVERTISE"`
	RaftSecret     string `env:"TL_RAFT_SECRET"`
	RaftBootstrap  bool   `env:"TL_RAFT_BOOTSTRAP"`
	AuthCookieName string `env:"TL_AUTH_COOKIE_NAME"   envDefault:"turnledger_auth"`
	AuthJWKSURL    string `env:"TL_AUTH_JWKS_URL"`
}

func loadConfig() config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Warning: could not load .env: %v", err)
	}
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("Invalid environment: %v", err)
	}
	return cfg
}

// loadMasterKey opens (or creates) the master key protected by the
// TL_MASTER_KEY passphrase. It returns nil when no passphrase is set.
func loadMasterKey(dataDir string) crypto.MasterKey {
	keyFile := filepath.Join(dataDir, "master.key")
	passphrase := os.Getenv("TL_MASTER_KEY")
	if passphrase == "" {
		if _, err := os.Stat(keyFile); err == nil {
			log.Fatalf("Critical Security Error: %s exists but TL_MASTER_KEY is not set. Refusing to start in unencrypted mode.", keyFile)
		}
		log.Println("Warning: No TL_MASTER_KEY provided. Data will be stored UNENCRYPTED.")
		return nil
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}
	masterKey, err := crypto.ReadMasterKey([]byte(passphrase), keyFile)
	switch {
	case err == nil:
		log.Println("Loaded master encryption key.")
	case os.IsNotExist(err):
		log.Println("Initializing new master encryption key...")
		if masterKey, err = crypto.CreateMasterKey(); err != nil {
			log.Fatalf("Failed to create master key: %v", err)
		}
		if err := masterKey.Save([]byte(passphrase), keyFile); err != nil {
			log.Fatalf("Failed to save master key: %v", err)
		}
	default:
		log.Fatalf("Failed to read master key: %v", err)
	}
	return masterKey
}

// main starts the turn ledger server.
func main() {
	cfg := loadConfig()

	addr := flag.String("addr", cfg.Addr, "The TCP address to listen to")
	dataDir := flag.String("data-dir", cfg.DataDir, "Directory for session and action data")
	useMockAuth := flag.Bool("use-mock-auth", cfg.MockAuth, "Use Mock Authentication. For testing purposes only.")
	debugMode := flag.Bool("debug", cfg.Debug, "Enable debug mode")
	raftEnabled := flag.Bool("raft", cfg.Raft, "Enable Raft consensus")
	raftBind := flag.String("raft-bind", cfg.RaftBind, "Address for Raft TCP transport")
	raftAdvertise := flag.String("raft-advertise", cfg.RaftAdvertise, "Public address for Raft traffic (REQUIRED with --raft)")
	httpAdvertise := flag.String("http-advertise", cfg.HTTPAdvertise, "Address other nodes use to forward requests to this node")
	raftSecret := flag.String("raft-secret", cfg.RaftSecret, "Shared secret for cluster authentication")
	raftBootstrap := flag.Bool("raft-bootstrap", cfg.RaftBootstrap, "Bootstrap the Raft cluster (only for first node)")
	authCookieName := flag.String("auth-cookie-name", cfg.AuthCookieName, "Name of the cookie containing the JWT")
	authJWKSURL := flag.String("auth-jwks-url", cfg.AuthJWKSURL, "URL of the JWKS endpoint used to verify tokens")
	flag.Parse()

	if *raftEnabled {
		if *raftAdvertise == "" {
			log.Fatal("--raft-advertise is required when Raft is enabled")
		}
		if *raftSecret == "" {
			log.Fatal("--raft-secret is required when Raft is enabled")
		}
	}
	if !*useMockAuth && *authJWKSURL == "" {
		log.Fatal("--auth-jwks-url is required unless --use-mock-auth is set")
	}

	masterKey := loadMasterKey(*dataDir)
	store := storage.New(*dataDir, masterKey)
	store.EnableCompression(true)

	server, err := backend.StartServer(backend.Options{
		Addr:                  *addr,
		DataDir:               *dataDir,
		UseMockAuth:           *useMockAuth,
		Debug:                 *debugMode,
		Storage:               store,
		MasterKey:             masterKey,
		RaftEnabled:           *raftEnabled,
		RaftBind:              *raftBind,
		RaftAdvertise:         *raftAdvertise,
		RaftHTTPAdvertise:     *httpAdvertise,
		RaftSecret:            *raftSecret,
		RaftBootstrap:         *raftBootstrap,
		UseProductionTimeouts: true,
		AuthCookieName:        *authCookieName,
		AuthJWKSURL:           *authJWKSURL,
	})
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	// Wait for interrupt signal
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	} else {
		log.Println("Gracefully stopped.")
	}
}
